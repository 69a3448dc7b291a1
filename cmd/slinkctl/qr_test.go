package main

import (
	"strings"
	"testing"
)

func TestRenderQR(t *testing.T) {
	art, err := renderQR("smartlink://add-friend?user_id=u1")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(art, "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("got %d lines, want a full code", len(lines))
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Fatalf("line %d has %d runes, want %d", i, n, width)
		}
	}
	// The quiet zone border renders as light blocks.
	if !strings.HasPrefix(lines[0], "  █") {
		t.Errorf("first line = %q, want quiet zone", lines[0])
	}
}

func TestParseSwitch(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "off": false} {
		got, err := parseSwitch(in)
		if err != nil || got != want {
			t.Errorf("parseSwitch(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseSwitch("yes"); err == nil {
		t.Error("parseSwitch(yes) succeeded")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("olá mundo", 20); got != "olá mundo" {
		t.Errorf("short string changed: %q", got)
	}
	if got := truncate("olá mundo", 4); got != "olá…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestCommandTable(t *testing.T) {
	for name, cmd := range commands {
		if cmd.run == nil || cmd.help == "" {
			t.Errorf("command %q incomplete", name)
		}
		if cmd.min > 0 && cmd.args == "" {
			t.Errorf("command %q takes arguments but has no usage", name)
		}
	}
}
