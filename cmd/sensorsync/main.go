package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sensorsync/internal/domain"
	"sensorsync/internal/infra/config"
)

func main() {
	if len(os.Args) < 2 {
		showUsage(os.Stderr)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "--help", "-h", "help":
		showUsage(os.Stdout)
		return
	case "encrypt":
		exitOn("encrypt", runEncrypt(args, os.Stdout))
		return
	case "doctor":
		exitOn("doctor", runDoctor(configPath(args), os.Stdout))
		return
	}

	c, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'sensorsync --help' for usage information.\n", cmd)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	var tweak func(*config.Config) error
	if c.tweak != nil {
		tweak = func(cfg *config.Config) error { return c.tweak(cfg, args) }
	}
	err := withApp(ctx, configPath(args), tweak, func(a *app) error {
		return c.run(ctx, a, args, os.Stdout)
	})
	cancel()
	exitOn(cmd, err)
}

// command is a subcommand that needs the wired app.
type command struct {
	tweak func(cfg *config.Config, args []string) error
	run   func(ctx context.Context, a *app, args []string, w io.Writer) error
}

var commands = map[string]command{
	"scan":    {tweak: scanOverrides, run: runScan},
	"sync":    {run: runSync},
	"history": {run: runHistory},
	"flush":   {run: runFlush},
	"run":     {run: runServe},
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, `sensorsync - collect sensor readings over Bluetooth LE and sync them to a datastore

USAGE:
    sensorsync COMMAND [FLAGS]

COMMANDS:
    scan      Scan for peripherals and print each one as it is found
              --prefix P     name prefix (default from config, SOPH-)
              --timeout D    scan duration (default from config, 10s)
    sync ID   Connect to a peripheral, read a snapshot and upload it
    history   List stored snapshots, newest first
              --device ID    only this peripheral
    flush     Upload snapshots queued in the outbox
    run       Flush the outbox on schedule and serve metrics until stopped
    doctor    Check radio, authorization and datastore health
    encrypt V Print the enc: form of a secret (needs SENSORSYNC_CONFIG_KEY)

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file (default: ./sensorsync.yaml, or $SENSORSYNC_CONFIG)

CONFIGURATION:
    Environment: SENSORSYNC_* variables override the config file`)
}

// exitOn prints err for the user and exits non-zero.
func exitOn(cmd string, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, describe(err))
	os.Exit(1)
}

// describe pairs the short user message with the underlying detail.
func describe(err error) string {
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		return err.Error()
	}
	msg := domain.UserMessage(err)
	if domain.ErrorCodeOf(err) == domain.CodeUnknown {
		return err.Error()
	}
	return fmt.Sprintf("%s (%v)", msg, err)
}

func configPath(args []string) string {
	if p, ok := flagValue(args, "--config"); ok {
		return p
	}
	if p := os.Getenv("SENSORSYNC_CONFIG"); p != "" {
		return p
	}
	return "sensorsync.yaml"
}

// flagValue finds "--name value" or "--name=value" in args.
func flagValue(args []string, name string) (string, bool) {
	for i, arg := range args {
		if arg == name && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, true
		}
	}
	return "", false
}

// positional returns args that are neither flags nor flag values.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "--") {
			if !strings.Contains(arg, "=") {
				i++
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}
