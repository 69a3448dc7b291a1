package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/smartlink/internal/config"
)

func TestDirHonorsHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv("SMARTLINK_HOME", base)
	if got, want := Dir("main"), filepath.Join(base, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv("SMARTLINK_HOME", "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".smartlink"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		got    string
		suffix string
	}{
		{SocketPath("test"), filepath.Join("profiles", "test", "slinkd.sock")},
		{LockPath("test"), filepath.Join("profiles", "test", "LOCK")},
		{AppDBPath("test"), filepath.Join("profiles", "test", "smartlink.db")},
		{LogPath("test"), filepath.Join("profiles", "test", "logs", "slinkd.log")},
		{ConfigPath("test"), filepath.Join("profiles", "test", "config.toml")},
		{EnvPath("test"), filepath.Join("profiles", "test", ".env")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("path %q, want suffix %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv("SMARTLINK_HOME", t.TempDir())

	if names, err := List(); err != nil || len(names) != 0 {
		t.Fatalf("List() on empty base = %v, %v", names, err)
	}
	for _, n := range []string{"main", "work"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	info, err := os.Stat(LogDir("main"))
	if err != nil || !info.IsDir() {
		t.Fatalf("log dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir perm = %o, want 0700", perm)
	}

	names, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("List() = %v, want 2 profiles", names)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("SMARTLINK_HOME", t.TempDir())

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve(\"\") = %q, want %q", got, DefaultName)
	}
	if err := config.Save(GlobalConfigPath(), &config.Config{DefaultProfile: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve with config = %q, want work", got)
	}
	if got := Resolve("alt"); got != "alt" {
		t.Errorf("Resolve(alt) = %q, want alt", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
