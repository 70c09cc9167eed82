// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/bureau-foundation/hostsensor/lib/monitor"
	"github.com/bureau-foundation/hostsensor/lib/sensorclient"
)

// probeWatch polls one probe over one connection for the monitor.
type probeWatch struct {
	client  *sensorclient.Client
	probeID string
	options sensorclient.RecordsOptions
}

var (
	_ monitor.Source     = (*probeWatch)(nil)
	_ monitor.Controller = (*probeWatch)(nil)
)

func (w *probeWatch) Fetch(ctx context.Context) (monitor.Snapshot, error) {
	started := time.Now()
	records, probeUUID, err := w.client.Records(ctx, w.probeID, w.options)
	if err != nil {
		return monitor.Snapshot{}, err
	}
	return monitor.Snapshot{
		ProbeID: w.probeID,
		UUID:    probeUUID,
		Records: records,
		Elapsed: time.Since(started),
	}, nil
}

func (w *probeWatch) Control(ctx context.Context, command string) (sensorclient.State, error) {
	return w.client.SetState(ctx, w.probeID, command)
}

func runTop(ctx context.Context, g *globals, args []string) error {
	flagSet := subcommandFlags("top", g)
	var probeID string
	var interval time.Duration
	var limit int
	flagSet.StringVarP(&probeID, "probe", "p", "", "probe id or UUID (required)")
	flagSet.DurationVar(&interval, "interval", 2*time.Second, "delay between polls")
	flagSet.IntVar(&limit, "range", -1, "maximum records per poll; zero or negative reads to the end")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("top takes no arguments, got %q", flagSet.Arg(0))
	}
	if probeID == "" {
		return errors.New("--probe is required")
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", interval)
	}
	if !isTerminal(g.stdin) || !isTerminal(g.stdout) {
		return errors.New("top needs a terminal; use records for scripted access")
	}

	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	options := sensorclient.DefaultRecordsOptions()
	options.Range = limit
	watch := &probeWatch{client: client, probeID: probeID, options: options}
	return monitor.Run(ctx, g.stdin, g.stdout, watch, watch, interval)
}

func isTerminal(stream any) bool {
	file, ok := stream.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
