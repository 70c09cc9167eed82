// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"

	"github.com/bureau-foundation/hostsensor/lib/procfs"
)

// KindProcess is the kind name of the process-list probe.
const KindProcess = "ps"

// ProcessRecord is one captured process.
type ProcessRecord struct {
	PID     int
	UID     uint32
	Command string
}

// ProcessProbe captures the process table.
type ProcessProbe = Sampler[ProcessRecord]

// NewProcess creates a process-list probe.
func NewProcess(options Options, logger *slog.Logger) *ProcessProbe {
	return newSampler[ProcessRecord](processVariant{root: options.withDefaults(KindProcess).Root}, options, nil, logger)
}

type processVariant struct {
	root string
}

func (processVariant) kind() string { return KindProcess }

func (v processVariant) entities(ctx context.Context) iter.Seq2[ProcessRecord, error] {
	return collect(ctx, procfs.Processes(v.root), func(process procfs.Process) (ProcessRecord, bool) {
		return ProcessRecord{PID: process.PID, UID: process.UID, Command: process.Command}, true
	})
}

func (processVariant) render(index int, record *ProcessRecord, generation uint64) string {
	return fmt.Sprintf("%s %d %s [%d] [%d] [%x]",
		KindProcess, index, record.Command, record.PID, record.UID, generation)
}

func (processVariant) reply(index int, record *ProcessRecord, generation uint64) RecordReply {
	return RecordReply{Fields: []string{
		strconv.Itoa(index),
		record.Command,
		strconv.Itoa(record.PID),
		strconv.FormatUint(uint64(record.UID), 10),
		strconv.FormatUint(generation, 16),
	}}
}
