// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockfile keeps a single sensor instance per host. The lock
// is an exclusive flock(2) on a well-known path; the holder also
// publishes an owner record next to it so operators and a refused
// second instance can see who holds the lock.
//
// The owner record is written atomically (temporary file, fsync,
// rename, directory sync), so readers never see a partial record.
// The lock itself is released by the kernel when the holder exits,
// so a stale owner record after a crash is harmless: the next
// instance acquires the lock and overwrites it.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultPath is the lock used by the sensor daemon.
const DefaultPath = "/var/run/kernel_sensor.lock"

// ErrLocked is returned by Acquire when another open file holds the
// lock.
var ErrLocked = errors.New("lockfile: already locked")

// Owner describes the process holding a lock.
type Owner struct {
	PID     int       `json:"pid"`
	Version string    `json:"version"`
	Started time.Time `json:"started"`
}

// Lock is a held lock.
type Lock struct {
	path string
	file *os.File
}

// OwnerPath returns the path of the owner record for the lock at path.
func OwnerPath(path string) string { return path + ".owner" }

// Acquire takes the lock at path without blocking and publishes owner.
// When the lock is held elsewhere the error wraps ErrLocked and names
// the recorded owner if one can be read.
func Acquire(path string, owner Owner) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock %s: %w", path, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if holder, readErr := ReadOwner(path); readErr == nil {
				return nil, fmt.Errorf("%w: %s held by pid %d (version %s, since %s)",
					ErrLocked, path, holder.PID, holder.Version, holder.Started.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if err := writeOwner(OwnerPath(path), owner); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, err
	}
	return &Lock{path: path, file: file}, nil
}

// Path returns the lock path.
func (l *Lock) Path() string { return l.path }

// Release removes the owner record and drops the lock. The lock file
// itself stays: removing it would let a waiter lock an unlinked inode.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	removeErr := os.Remove(OwnerPath(l.path))
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err := errors.Join(removeErr, unlockErr, closeErr); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

// ReadOwner reads the owner record of the lock at path. When there is
// none the error wraps os.ErrNotExist.
func ReadOwner(path string) (Owner, error) {
	data, err := os.ReadFile(OwnerPath(path))
	if err != nil {
		return Owner{}, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("parsing owner record %s: %w", OwnerPath(path), err)
	}
	return owner, nil
}

func writeOwner(path string, owner Owner) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling owner record: %w", err)
	}
	data = append(data, '\n')

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary owner record: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary owner record: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary owner record: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary owner record: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming owner record into place: %w", err)
	}

	// Make the rename durable.
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}
