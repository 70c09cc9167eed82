// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/hostsensor/lib/procfs"
)

// KindFileContent is the kind name of the file-content probe.
const KindFileContent = "sysfs"

const (
	// DefaultPathTemplate reads each process's mount table.
	DefaultPathTemplate = "%d/mounts"

	// DefaultMaxFileSize caps the bytes read per file.
	DefaultMaxFileSize = 4096
)

// FileContentRecord is the content of one per-process file.
type FileContentRecord struct {
	PID  int
	Path string
	Stat procfs.FileStat
	Data []byte
	// Digest is the hex BLAKE3-256 of Data.
	Digest string
}

// FileContentOptions are the file-content extras on top of Options.
type FileContentOptions struct {
	// PathTemplate is joined to the procfs root after formatting with
	// the pid. It must contain exactly one %d.
	PathTemplate string

	// MaxSize caps the bytes read per file.
	MaxSize int
}

// FileContentProbe captures small per-process files.
type FileContentProbe = Sampler[FileContentRecord]

// NewFileContent creates a file-content probe. It fails if the path
// template does not contain exactly one %d.
func NewFileContent(options Options, content FileContentOptions, logger *slog.Logger) (*FileContentProbe, error) {
	if content.PathTemplate == "" {
		content.PathTemplate = DefaultPathTemplate
	}
	if strings.Count(content.PathTemplate, "%d") != 1 || strings.Count(content.PathTemplate, "%") != 1 {
		return nil, fmt.Errorf("path template %q must contain exactly one %%d", content.PathTemplate)
	}
	if content.MaxSize <= 0 {
		content.MaxSize = DefaultMaxFileSize
	}
	v := fileContentVariant{
		root:     options.withDefaults(KindFileContent).Root,
		template: content.PathTemplate,
		maxSize:  content.MaxSize,
		self:     os.Getpid(),
	}
	release := func(record *FileContentRecord) { record.Data = nil }
	return newSampler[FileContentRecord](v, options, release, logger.With("template", content.PathTemplate)), nil
}

type fileContentVariant struct {
	root     string
	template string
	maxSize  int
	self     int
}

func (fileContentVariant) kind() string { return KindFileContent }

// entities reads the templated file of every process except the
// sensor's own. Processes that exit or deny access mid-walk are
// skipped.
func (v fileContentVariant) entities(ctx context.Context) iter.Seq2[FileContentRecord, error] {
	return func(yield func(FileContentRecord, error) bool) {
		pids, err := procfs.PIDs(v.root)
		if err != nil {
			yield(FileContentRecord{}, err)
			return
		}
		for _, pid := range pids {
			if err := ctx.Err(); err != nil {
				yield(FileContentRecord{}, err)
				return
			}
			if pid == v.self {
				continue
			}
			path := filepath.Join(v.root, fmt.Sprintf(v.template, pid))
			data, stat, err := procfs.ReadSmallFile(path, v.maxSize)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				continue
			}
			if err != nil {
				yield(FileContentRecord{}, err)
				return
			}
			sum := blake3.Sum256(data)
			record := FileContentRecord{
				PID:    pid,
				Path:   path,
				Stat:   stat,
				Data:   data,
				Digest: hex.EncodeToString(sum[:]),
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

func (fileContentVariant) render(index int, record *FileContentRecord, generation uint64) string {
	return fmt.Sprintf("%s %d [%x] %d %s %d bytes %.16s",
		KindFileContent, index, generation, record.PID, record.Path, len(record.Data), record.Digest)
}

func (fileContentVariant) reply(index int, record *FileContentRecord, generation uint64) RecordReply {
	return RecordReply{
		Fields: []string{
			strconv.Itoa(index),
			strconv.Itoa(record.PID),
			record.Path,
			strconv.Itoa(len(record.Data)),
			strconv.FormatUint(uint64(record.Stat.Mode), 8),
			record.Digest,
			strconv.FormatUint(generation, 16),
		},
		Raw: record.Data,
	}
}
