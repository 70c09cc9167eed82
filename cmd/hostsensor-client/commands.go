// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hostsensor/lib/probe"
	"github.com/bureau-foundation/hostsensor/lib/protocol"
	"github.com/bureau-foundation/hostsensor/lib/sensorclient"
)

// noArguments parses a subcommand that takes only flags.
func noArguments(name string, g *globals, args []string) error {
	flagSet := subcommandFlags(name, g)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("%s takes no arguments, got %q", name, flagSet.Arg(0))
	}
	return nil
}

func runEcho(ctx context.Context, g *globals, args []string) error {
	if err := noArguments("echo", g, args); err != nil {
		return err
	}
	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	release, err := client.Echo(ctx)
	if err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	fmt.Fprintln(g.stdout, release)
	return nil
}

func runDiscover(ctx context.Context, g *globals, args []string) error {
	if err := noArguments("discover", g, args); err != nil {
		return err
	}
	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	ids, err := client.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	printLines(g.stdout, ids)
	return nil
}

func runDiscovery(ctx context.Context, g *globals, args []string) error {
	if err := noArguments("discovery", g, args); err != nil {
		return err
	}
	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	ids, err := client.Discovery(ctx, g.sensorID)
	if err != nil {
		return err
	}
	printLines(g.stdout, ids)
	return nil
}

func runConnect(ctx context.Context, g *globals, args []string) error {
	if err := noArguments("connect", g, args); err != nil {
		return err
	}
	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	nonce, sensorID, err := client.Connect(ctx, g.sensorID)
	if err != nil {
		return err
	}
	if err := client.Acknowledge(ctx, nonce, protocol.CommandConnect, sensorID); err != nil {
		return fmt.Errorf("acknowledging connect: %w", err)
	}
	// A rejected acknowledgement closes the connection, which the
	// next request observes.
	if _, err := client.Echo(ctx); err != nil {
		return fmt.Errorf("sensor rejected the acknowledgement: %w", err)
	}
	fmt.Fprintf(g.stdout, "connected to %s (session %s)\n", sensorID, nonce)
	return nil
}

func runState(ctx context.Context, g *globals, args []string) error {
	flagSet := subcommandFlags("state", g)
	var probeID string
	flagSet.StringVarP(&probeID, "probe", "p", "", "probe id or UUID (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("state takes exactly one verb (%s)", strings.Join(stateVerbs(), ", "))
	}
	verb := flagSet.Arg(0)
	if _, ok := probe.ParseStateCommand(verb); !ok {
		return fmt.Errorf("unknown state verb %q (want one of %s)", verb, strings.Join(stateVerbs(), ", "))
	}
	if probeID == "" {
		return errors.New("--probe is required")
	}

	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	state, err := client.SetState(ctx, probeID, verb)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout, "%s: %s %s\n", probeID, state.RunState, state.Level)
	return nil
}

func stateVerbs() []string {
	var verbs []string
	for verb := probe.CommandOff; verb <= probe.CommandReset; verb++ {
		verbs = append(verbs, verb.String())
	}
	return verbs
}

// recordsFlags are the records subcommand's flags.
type recordsFlags struct {
	probeID     string
	index       int
	noRun       bool
	noClear     bool
	limit       int
	output      string
	compression string
}

func (f *recordsFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.probeID, "probe", "p", "", "probe id or UUID (required)")
	flagSet.IntVar(&f.index, "index", 0, "first snapshot slot to read")
	flagSet.BoolVar(&f.noRun, "no-run", false, "read the stored pass instead of capturing a new one")
	flagSet.BoolVar(&f.noClear, "no-clear", false, "leave slots in place after reading them")
	flagSet.IntVar(&f.limit, "range", -1, "maximum number of records; zero or negative reads to the end")
	flagSet.StringVarP(&f.output, "output", "o", "", "save the session as an archive at this path")
	flagSet.StringVar(&f.compression, "compression", "zstd", "archive compression: zstd, lz4, or none")
}

func (f *recordsFlags) options() sensorclient.RecordsOptions {
	return sensorclient.RecordsOptions{
		Index:    f.index,
		RunProbe: !f.noRun,
		Clear:    !f.noClear,
		Range:    f.limit,
	}
}

func runRecords(ctx context.Context, g *globals, args []string) error {
	flagSet := subcommandFlags("records", g)
	var flags recordsFlags
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("records takes no arguments, got %q", flagSet.Arg(0))
	}
	if flags.probeID == "" {
		return errors.New("--probe is required")
	}

	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	records, probeUUID, err := client.Records(ctx, flags.probeID, flags.options())
	incomplete := errors.Is(err, sensorclient.ErrIncomplete)
	if err != nil && !incomplete {
		return err
	}
	if probeUUID == "" && len(records) > 0 {
		probeUUID = records[0].UUID
	}

	if flags.output == "" {
		for _, record := range records {
			fmt.Fprintln(g.stdout, formatRecord(record))
		}
		fmt.Fprintf(g.stderr, "%s records from %s (%s)\n", humanize.Comma(int64(len(records))), flags.probeID, probeUUID)
		return err
	}
	// The sensor closes the connection after an overflow, and a
	// partial pass is not worth archiving.
	if incomplete {
		return fmt.Errorf("not writing %s: %w", flags.output, err)
	}
	return saveArchive(ctx, g, client, flags, records, probeUUID)
}

func formatRecord(record sensorclient.Record) string {
	line := record.Kind + "\t" + strings.Join(record.Fields, "\t")
	if record.Raw != nil {
		line += "\t[" + humanize.Bytes(uint64(len(record.Raw))) + " raw]"
	}
	return line
}

func runSend(ctx context.Context, g *globals, args []string) error {
	flagSet := subcommandFlags("send", g)
	var quiet time.Duration
	flagSet.DurationVar(&quiet, "quiet", 500*time.Millisecond, "how long the sensor must stay silent before the next line is sent")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("send takes exactly one FILE ('-' for stdin)")
	}

	input := g.stdin
	if path := flagSet.Arg(0); path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		input = file
	}

	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return replay(ctx, client, input, g.stdout, g.stderr, quiet)
}

// replay sends each non-blank line of input that does not start with
// '#' and copies the answers to output. It stops when the sensor hangs
// up.
func replay(ctx context.Context, client *sensorclient.Client, input io.Reader, output, diagnostics io.Writer, quiet time.Duration) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64<<10), protocol.DefaultMaxMessageSize)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		answer, closed, err := client.Exchange(ctx, []byte(line), quiet)
		if _, writeErr := output.Write(answer); writeErr != nil {
			return writeErr
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNumber, err)
		}
		if closed {
			fmt.Fprintf(diagnostics, "sensor closed the connection after line %d\n", lineNumber)
			return nil
		}
	}
	return scanner.Err()
}

func printLines(output io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(output, line)
	}
}
