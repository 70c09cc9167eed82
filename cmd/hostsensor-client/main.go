// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hostsensor/lib/config"
	"github.com/bureau-foundation/hostsensor/lib/process"
	"github.com/bureau-foundation/hostsensor/lib/sensorclient"
	"github.com/bureau-foundation/hostsensor/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

// globals are the flags shared by every subcommand, plus the streams
// subcommands read and write.
type globals struct {
	socketPath string
	sensorID   string
	timeout    time.Duration

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// dial connects to the sensor socket.
func (g *globals) dial(ctx context.Context) (*sensorclient.Client, error) {
	return sensorclient.Dial(ctx, g.socketPath)
}

// command is one subcommand.
type command struct {
	name    string
	usage   string
	summary string
	// interactive commands run until the user quits and so ignore
	// --timeout.
	interactive bool
	run         func(ctx context.Context, g *globals, args []string) error
}

func commands() []command {
	return []command{
		{name: "echo", usage: "echo", summary: "print the sensor's kernel release", run: runEcho},
		{name: "discover", usage: "discover", summary: "list probe ids with the out-of-band discover frame", run: runDiscover},
		{name: "discovery", usage: "discovery", summary: "list probe ids with a discovery request", run: runDiscovery},
		{name: "connect", usage: "connect", summary: "open and acknowledge a connect session", run: runConnect},
		{name: "state", usage: "state VERB --probe ID", summary: "change a probe's run state or level", run: runState},
		{name: "records", usage: "records --probe ID [flags]", summary: "drain a probe's records, optionally into an archive", run: runRecords},
		{name: "inspect", usage: "inspect FILE", summary: "verify an archive and summarize its contents", run: runInspect},
		{name: "top", usage: "top --probe ID [--interval D]", summary: "watch a probe's records live", interactive: true, run: runTop},
		{name: "send", usage: "send FILE", summary: "replay request lines from FILE ('-' for stdin)", run: runSend},
	}
}

func defaultSocket() string {
	if socket := os.Getenv(config.EnvSocket); socket != "" {
		return socket
	}
	return config.DefaultSocketPath
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	g := &globals{stdin: stdin, stdout: stdout, stderr: stderr}
	var showVersion bool

	flagSet := pflag.NewFlagSet("hostsensor-client", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&g.socketPath, "socket", "s", defaultSocket(), "sensor socket path")
	flagSet.StringVar(&g.sensorID, "sensor-id", config.Default().SensorID, "sensor id sent as the target of connect and discovery")
	flagSet.DurationVar(&g.timeout, "timeout", 30*time.Second, "deadline for one subcommand")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "hostsensor-client %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() == 0 {
		printUsage(stderr, flagSet)
		return errors.New("no subcommand given")
	}

	name, rest := flagSet.Arg(0), flagSet.Args()[1:]
	for _, cmd := range commands() {
		if cmd.name != name {
			continue
		}
		ctx, stop := process.SignalContext(context.Background())
		defer stop()
		if !cmd.interactive {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		if err := cmd.run(ctx, g, rest); err != nil && !errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown subcommand %q (run with --help for the list)", name)
}

func printUsage(output io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(output, "Usage: hostsensor-client [flags] SUBCOMMAND [args]\n\nSubcommands:\n")
	for _, cmd := range commands() {
		fmt.Fprintf(output, "  %-32s %s\n", cmd.usage, cmd.summary)
	}
	fmt.Fprintf(output, "\nFlags:\n")
	flagSet.SetOutput(output)
	flagSet.PrintDefaults()
}

// subcommandFlags creates a flag set for one subcommand that reports
// parse errors to stderr.
func subcommandFlags(name string, g *globals) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("hostsensor-client "+name, pflag.ContinueOnError)
	flagSet.SetOutput(g.stderr)
	return flagSet
}
