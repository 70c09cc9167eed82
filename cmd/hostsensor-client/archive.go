// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/hostsensor/lib/archive"
	"github.com/bureau-foundation/hostsensor/lib/sensorclient"
)

// saveArchive writes a drained records session to flags.output. The
// kernel release is asked of the sensor on the same connection.
func saveArchive(ctx context.Context, g *globals, client *sensorclient.Client, flags recordsFlags, records []sensorclient.Record, probeUUID string) error {
	compression, err := archive.ParseCompression(flags.compression)
	if err != nil {
		return err
	}
	release, err := client.Echo(ctx)
	if err != nil {
		return fmt.Errorf("asking the sensor for its release: %w", err)
	}

	session := &archive.Session{
		ProbeID:   flags.probeID,
		ProbeUUID: probeUUID,
		Socket:    g.socketPath,
		Captured:  time.Now().UTC(),
		Release:   release,
		Records:   make([]archive.Record, 0, len(records)),
	}
	for _, record := range records {
		session.Records = append(session.Records, archive.Record{
			Kind:   record.Kind,
			UUID:   record.UUID,
			Fields: record.Fields,
			Raw:    record.Raw,
		})
	}

	header, err := archive.WriteFile(flags.output, session, compression)
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stderr, "wrote %s records to %s (%s, %s stored as %s)\n",
		humanize.Comma(int64(len(records))),
		flags.output,
		humanize.Bytes(header.BodySize),
		header.Compression,
		humanize.Bytes(header.StoredSize),
	)
	return nil
}

func runInspect(_ context.Context, g *globals, args []string) error {
	flagSet := subcommandFlags("inspect", g)
	var showRecords, diagnose bool
	flagSet.BoolVar(&showRecords, "records", false, "print every record after the summary")
	flagSet.BoolVar(&diagnose, "diagnose", false, "print the body in CBOR diagnostic notation instead of a summary")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("inspect takes exactly one FILE")
	}
	if diagnose {
		diagnostic, err := archive.Diagnose(flagSet.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintln(g.stdout, diagnostic)
		return nil
	}
	session, header, err := archive.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}
	printSummary(g.stdout, session, header)
	if showRecords {
		for _, record := range session.Records {
			fmt.Fprintln(g.stdout, formatRecord(sensorclient.Record{
				ProbeID: session.ProbeID,
				Kind:    record.Kind,
				UUID:    record.UUID,
				Fields:  record.Fields,
				Raw:     record.Raw,
			}))
		}
	}
	return nil
}

func printSummary(output io.Writer, session *archive.Session, header archive.Header) {
	var rawBytes uint64
	kinds := make(map[string]int)
	for _, record := range session.Records {
		kinds[record.Kind]++
		rawBytes += uint64(len(record.Raw))
	}

	fmt.Fprintf(output, "probe:        %s (%s)\n", session.ProbeID, session.ProbeUUID)
	fmt.Fprintf(output, "socket:       %s\n", session.Socket)
	fmt.Fprintf(output, "captured:     %s (%s)\n", session.Captured.Format(time.RFC3339), humanize.Time(session.Captured))
	if session.Release != "" {
		fmt.Fprintf(output, "release:      %s\n", session.Release)
	}
	fmt.Fprintf(output, "format:       version %d, %s\n", header.Version, header.Compression)
	fmt.Fprintf(output, "body:         %s (%s stored)\n", humanize.Bytes(header.BodySize), humanize.Bytes(header.StoredSize))
	fmt.Fprintf(output, "digest:       %s (verified)\n", hex.EncodeToString(header.Digest[:]))
	fmt.Fprintf(output, "records:      %s\n", humanize.Comma(int64(len(session.Records))))
	for _, kind := range slices.Sorted(maps.Keys(kinds)) {
		fmt.Fprintf(output, "  %-10s  %s\n", kind, humanize.Comma(int64(kinds[kind])))
	}
	if rawBytes > 0 {
		fmt.Fprintf(output, "raw payload:  %s\n", humanize.Bytes(rawBytes))
	}
}
