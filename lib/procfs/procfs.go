// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procfs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultRoot is the procfs mount point on a live host.
const DefaultRoot = "/proc"

// Process is one entry of the process table.
type Process struct {
	PID     int
	UID     uint32
	Command string
}

// OpenFile is one open file descriptor of a process.
type OpenFile struct {
	PID  int
	UID  uint32
	FD   int
	Path string
	// Flags are the open(2) flags from fdinfo.
	Flags uint32
	// Mode is the st_mode of the file the descriptor refers to.
	Mode uint32
	// RefCount is the number of other descriptors in the same process
	// that refer to the same file.
	RefCount int
}

// FileStat is the subset of stat(2) that the sensor reports for file
// contents.
type FileStat struct {
	Size    int64
	Mode    uint32
	UID     uint32
	GID     uint32
	ModTime time.Time
}

// PIDs returns the numeric process directories under root in
// ascending order.
func PIDs(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}

// Processes yields every live process under root. Processes that exit
// during enumeration are skipped.
func Processes(root string) iter.Seq2[Process, error] {
	return func(yield func(Process, error) bool) {
		pids, err := PIDs(root)
		if err != nil {
			yield(Process{}, err)
			return
		}
		for _, pid := range pids {
			process, err := readProcess(root, pid)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if !yield(process, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// ProcessOwner returns the real UID owning the process directory.
func ProcessOwner(root string, pid int) (uint32, error) {
	var stat unix.Stat_t
	path := filepath.Join(root, strconv.Itoa(pid))
	if err := unix.Stat(path, &stat); err != nil {
		return 0, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	return stat.Uid, nil
}

func readProcess(root string, pid int) (Process, error) {
	uid, err := ProcessOwner(root, pid)
	if err != nil {
		return Process{}, err
	}
	comm, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return Process{}, err
	}
	return Process{
		PID:     pid,
		UID:     uid,
		Command: strings.TrimRight(string(comm), "\n"),
	}, nil
}

// OpenFiles yields the open descriptors of pid in ascending fd order.
// A process that has exited, or whose descriptor table the sensor may
// not read, yields nothing.
func OpenFiles(root string, pid int) iter.Seq2[OpenFile, error] {
	return func(yield func(OpenFile, error) bool) {
		files, err := readOpenFiles(root, pid)
		if unreadable(err) {
			return
		}
		if err != nil {
			yield(OpenFile{}, err)
			return
		}
		for _, file := range files {
			if !yield(file, nil) {
				return
			}
		}
	}
}

// unreadable reports errors that mean one process should be skipped:
// it exited, or it belongs to a user whose fd directory is closed to
// the sensor.
func unreadable(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}

type fileIdentity struct {
	device uint64
	inode  uint64
}

func readOpenFiles(root string, pid int) ([]OpenFile, error) {
	uid, err := ProcessOwner(root, pid)
	if err != nil {
		return nil, err
	}
	processDirectory := filepath.Join(root, strconv.Itoa(pid))
	entries, err := os.ReadDir(filepath.Join(processDirectory, "fd"))
	if err != nil {
		return nil, err
	}

	var files []OpenFile
	identities := make([]fileIdentity, 0, len(entries))
	shared := make(map[fileIdentity]int)
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		linkPath := filepath.Join(processDirectory, "fd", entry.Name())
		target, err := os.Readlink(linkPath)
		if err != nil {
			// The descriptor was closed after the directory was read.
			continue
		}

		var stat unix.Stat_t
		var identity fileIdentity
		var mode uint32
		if unix.Stat(linkPath, &stat) == nil {
			identity = fileIdentity{device: uint64(stat.Dev), inode: stat.Ino}
			mode = stat.Mode
			shared[identity]++
		}

		files = append(files, OpenFile{
			PID:   pid,
			UID:   uid,
			FD:    fd,
			Path:  target,
			Flags: readFDFlags(filepath.Join(processDirectory, "fdinfo", entry.Name())),
			Mode:  mode,
		})
		identities = append(identities, identity)
	}

	for index := range files {
		if identities[index] == (fileIdentity{}) {
			continue
		}
		files[index].RefCount = shared[identities[index]] - 1
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FD < files[j].FD })
	return files, nil
}

// readFDFlags parses the octal "flags:" line of an fdinfo file. A
// missing or unparsable file yields zero.
func readFDFlags(path string) uint32 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		value, found := strings.CutPrefix(scanner.Text(), "flags:")
		if !found {
			continue
		}
		flags, err := strconv.ParseUint(strings.TrimSpace(value), 8, 32)
		if err != nil {
			return 0
		}
		return uint32(flags)
	}
	return 0
}

// ReadSmallFile reads at most maxSize bytes of path and returns them
// with the file's stat metadata. Files under /proc report a size of
// zero; the data length is the authoritative size of what was read.
func ReadSmallFile(path string, maxSize int) ([]byte, FileStat, error) {
	if maxSize <= 0 {
		return nil, FileStat{}, fmt.Errorf("reading %s: max size must be positive", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, FileStat{}, err
	}
	defer file.Close()

	var stat unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &stat); err != nil {
		return nil, FileStat{}, &fs.PathError{Op: "fstat", Path: path, Err: err}
	}

	data, err := io.ReadAll(io.LimitReader(file, int64(maxSize)))
	if err != nil {
		return nil, FileStat{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, FileStat{
		Size:    stat.Size,
		Mode:    stat.Mode,
		UID:     stat.Uid,
		GID:     stat.Gid,
		ModTime: time.Unix(int64(stat.Mtim.Sec), int64(stat.Mtim.Nsec)),
	}, nil
}
