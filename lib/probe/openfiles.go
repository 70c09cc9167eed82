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

// KindOpenFiles is the kind name of the open-files probe.
const KindOpenFiles = "lsof"

// OpenFileRecord is one captured file descriptor.
type OpenFileRecord struct {
	PID      int
	UID      uint32
	FD       int
	Path     string
	Flags    uint32
	Mode     uint32
	RefCount int
}

// Description is the lsof payload string sent in records replies.
func (r *OpenFileRecord) Description() string {
	return fmt.Sprintf("uid: %d pid: %d flags: %x mode: %x count: %d %s",
		r.UID, r.PID, r.Flags, r.Mode, r.RefCount, r.Path)
}

// FilterKind selects which descriptors an open-files probe keeps.
type FilterKind uint8

const (
	FilterAll FilterKind = iota
	FilterUID
	FilterPID
)

func (k FilterKind) String() string {
	switch k {
	case FilterAll:
		return "all"
	case FilterUID:
		return "uid"
	case FilterPID:
		return "pid"
	default:
		return fmt.Sprintf("filter(%d)", uint8(k))
	}
}

// Filter restricts an open-files capture. The zero value keeps every
// descriptor.
type Filter struct {
	Kind FilterKind
	// ID is the uid or pid to match.
	ID uint32
}

// ParseFilter builds a Filter from its config spelling.
func ParseFilter(kind string, id uint32) (Filter, error) {
	switch kind {
	case "", "all":
		return Filter{}, nil
	case "uid":
		return Filter{Kind: FilterUID, ID: id}, nil
	case "pid":
		if id == 0 {
			return Filter{}, fmt.Errorf("pid filter requires a nonzero id")
		}
		return Filter{Kind: FilterPID, ID: id}, nil
	default:
		return Filter{}, fmt.Errorf("unknown open-file filter %q", kind)
	}
}

// Match reports whether file passes the filter.
func (f Filter) Match(file procfs.OpenFile) bool {
	switch f.Kind {
	case FilterUID:
		return file.UID == f.ID
	case FilterPID:
		return uint32(file.PID) == f.ID
	default:
		return true
	}
}

func (f Filter) String() string {
	if f.Kind == FilterAll {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s=%d", f.Kind, f.ID)
}

// OpenFilesProbe captures open file descriptors across processes.
type OpenFilesProbe = Sampler[OpenFileRecord]

// NewOpenFiles creates an open-files probe.
func NewOpenFiles(options Options, filter Filter, logger *slog.Logger) *OpenFilesProbe {
	v := openFilesVariant{root: options.withDefaults(KindOpenFiles).Root, filter: filter}
	return newSampler[OpenFileRecord](v, options, nil, logger.With("filter", filter.String()))
}

type openFilesVariant struct {
	root   string
	filter Filter
}

func (openFilesVariant) kind() string { return KindOpenFiles }

// entities builds the pid index first, then walks each process's
// descriptor table. A pid filter skips the index.
func (v openFilesVariant) entities(ctx context.Context) iter.Seq2[OpenFileRecord, error] {
	return func(yield func(OpenFileRecord, error) bool) {
		var pids []int
		if v.filter.Kind == FilterPID {
			pids = []int{int(v.filter.ID)}
		} else {
			var err error
			if pids, err = procfs.PIDs(v.root); err != nil {
				yield(OpenFileRecord{}, err)
				return
			}
		}
		for _, pid := range pids {
			files := collect(ctx, procfs.OpenFiles(v.root, pid), func(file procfs.OpenFile) (OpenFileRecord, bool) {
				if !v.filter.Match(file) {
					return OpenFileRecord{}, false
				}
				return OpenFileRecord{
					PID:      file.PID,
					UID:      file.UID,
					FD:       file.FD,
					Path:     file.Path,
					Flags:    file.Flags,
					Mode:     file.Mode,
					RefCount: file.RefCount,
				}, true
			})
			for record, err := range files {
				if !yield(record, err) || err != nil {
					return
				}
			}
		}
	}
}

func (openFilesVariant) render(index int, record *OpenFileRecord, generation uint64) string {
	return fmt.Sprintf("%s %d [%x] %s", KindOpenFiles, index, generation, record.Description())
}

func (openFilesVariant) reply(index int, record *OpenFileRecord, _ uint64) RecordReply {
	return RecordReply{Fields: []string{strconv.Itoa(index), record.Description()}}
}
