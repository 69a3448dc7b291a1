package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/smartlink/internal/client"
	"github.com/matheus3301/smartlink/internal/profile"
	grpcstatus "google.golang.org/grpc/status"
)

const callTimeout = 30 * time.Second

type cli struct {
	c       *client.Client
	profile string
	json    bool
	in      io.Reader
	out     io.Writer
}

type command struct {
	args string
	help string
	min  int
	// long commands run until interrupted instead of under callTimeout.
	long bool
	run  func(ctx context.Context, cl *cli, args []string) error
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if len(args)-1 < cmd.min {
		fmt.Fprintf(os.Stderr, "usage: slinkctl %s %s\n", args[0], cmd.args)
		os.Exit(1)
	}

	cl := &cli{profile: name, json: *jsonFlag, in: os.Stdin, out: os.Stdout}
	if args[0] != "profiles" {
		c, err := client.New(profile.SocketPath(name))
		if err != nil {
			fatal(fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err))
		}
		defer func() { _ = c.Close() }()
		cl.c = c
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !cmd.long {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	if err := cmd.run(ctx, cl, args[1:]); err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: slinkctl [--profile <name>] [--json] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(os.Stderr, "  %-34s %s\n", strings.TrimSpace(name+" "+cmd.args), cmd.help)
	}
}

func fatal(err error) {
	if st, ok := grpcstatus.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", st.Message(), st.Code())
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

// print writes v as JSON under --json, or runs text otherwise.
func (cl *cli) print(v any, text func(w io.Writer)) {
	if cl.json {
		outputJSON(cl.out, v)
		return
	}
	text(cl.out)
}

func outputJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
