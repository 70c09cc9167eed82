// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// writeSyntheticFile creates a file at path within root, creating
// parent directories as needed.
func writeSyntheticFile(t *testing.T, root, path, content string) {
	t.Helper()
	fullPath := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(fullPath), err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", fullPath, err)
	}
}

func linkDescriptor(t *testing.T, root, pid, fd, target, flags string) {
	t.Helper()
	directory := filepath.Join(root, pid, "fd")
	if err := os.MkdirAll(directory, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", directory, err)
	}
	if err := os.Symlink(target, filepath.Join(directory, fd)); err != nil {
		t.Fatalf("symlink fd %s: %v", fd, err)
	}
	writeSyntheticFile(t, root, filepath.Join(pid, "fdinfo", fd), "pos:\t0\nflags:\t"+flags+"\nmnt_id:\t1\n")
}

func TestProcessesFromSyntheticRoot(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "1/comm", "init\n")
	writeSyntheticFile(t, root, "42/comm", "sshd\n")
	writeSyntheticFile(t, root, "7/comm", "kthreadd\n")
	writeSyntheticFile(t, root, "self/comm", "ignored\n")
	writeSyntheticFile(t, root, "meminfo", "MemTotal: 1 kB\n")

	var got []Process
	for process, err := range Processes(root) {
		if err != nil {
			t.Fatalf("Processes: %v", err)
		}
		got = append(got, process)
	}

	want := []struct {
		pid     int
		command string
	}{{1, "init"}, {7, "kthreadd"}, {42, "sshd"}}
	if len(got) != len(want) {
		t.Fatalf("got %d processes, want %d: %+v", len(got), len(want), got)
	}
	for index, expected := range want {
		if got[index].PID != expected.pid || got[index].Command != expected.command {
			t.Errorf("process %d = %+v, want pid %d command %q", index, got[index], expected.pid, expected.command)
		}
		if got[index].UID != uint32(os.Getuid()) {
			t.Errorf("process %d uid = %d, want %d", index, got[index].UID, os.Getuid())
		}
	}
}

func TestProcessesSkipsVanishedProcess(t *testing.T) {
	root := t.TempDir()
	writeSyntheticFile(t, root, "10/comm", "alive\n")
	// A directory without comm looks like a process that exited
	// between listing and reading.
	if err := os.MkdirAll(filepath.Join(root, "11"), 0755); err != nil {
		t.Fatal(err)
	}

	count := 0
	for _, err := range Processes(root) {
		if err != nil {
			t.Fatalf("Processes: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Errorf("got %d processes, want 1", count)
	}
}

func TestProcessesMissingRoot(t *testing.T) {
	for _, err := range Processes(filepath.Join(t.TempDir(), "absent")) {
		if !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("error = %v, want not-exist", err)
		}
		return
	}
	t.Fatal("expected an error from a missing root")
}

func TestOpenFiles(t *testing.T) {
	root := t.TempDir()
	targets := t.TempDir()
	logPath := filepath.Join(targets, "app.log")
	dataPath := filepath.Join(targets, "data.db")
	writeSyntheticFile(t, targets, "app.log", "log")
	writeSyntheticFile(t, targets, "data.db", "db")

	writeSyntheticFile(t, root, "300/comm", "worker\n")
	linkDescriptor(t, root, "300", "3", logPath, "0102001")
	linkDescriptor(t, root, "300", "10", dataPath, "02")
	linkDescriptor(t, root, "300", "4", logPath, "0102001")

	var files []OpenFile
	for file, err := range OpenFiles(root, 300) {
		if err != nil {
			t.Fatalf("OpenFiles: %v", err)
		}
		files = append(files, file)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3: %+v", len(files), files)
	}

	wantFDs := []int{3, 4, 10}
	for index, fd := range wantFDs {
		if files[index].FD != fd {
			t.Errorf("file %d fd = %d, want %d", index, files[index].FD, fd)
		}
	}
	if files[0].Path != logPath || files[0].Flags != 0102001 {
		t.Errorf("fd 3 = %+v, want path %s flags 0102001", files[0], logPath)
	}
	if files[0].RefCount != 1 || files[1].RefCount != 1 {
		t.Errorf("duplicated log descriptors refcounts = %d, %d; want 1, 1", files[0].RefCount, files[1].RefCount)
	}
	if files[2].RefCount != 0 {
		t.Errorf("data.db refcount = %d, want 0", files[2].RefCount)
	}
	if files[2].Mode&uint32(fs.ModePerm) != 0644 {
		t.Errorf("data.db mode = %o, want permission bits 0644", files[2].Mode)
	}
}

func TestOpenFilesOfExitedProcess(t *testing.T) {
	for _, err := range OpenFiles(t.TempDir(), 999) {
		t.Fatalf("unexpected yield for an exited process: %v", err)
	}
}

func TestOpenFilesSkipsUnreadableDescriptorTable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root reads every fd directory")
	}
	root := t.TempDir()
	writeSyntheticFile(t, root, "500/comm", "other-user\n")
	directory := filepath.Join(root, "500", "fd")
	if err := os.MkdirAll(directory, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(directory, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(directory, 0755) })

	for file, err := range OpenFiles(root, 500) {
		t.Fatalf("unexpected yield for an unreadable fd directory: %+v, %v", file, err)
	}
}

func TestUnreadable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"exited", &fs.PathError{Op: "open", Path: "/proc/9/fd", Err: unix.ENOENT}, true},
		{"other user", &fs.PathError{Op: "open", Path: "/proc/9/fd", Err: unix.EACCES}, true},
		{"not permitted", &fs.PathError{Op: "stat", Path: "/proc/9", Err: unix.EPERM}, true},
		{"io failure", &fs.PathError{Op: "open", Path: "/proc/9/fd", Err: unix.EIO}, false},
		{"none", nil, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := unreadable(test.err); got != test.want {
				t.Errorf("unreadable(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestReadSmallFileTruncates(t *testing.T) {
	directory := t.TempDir()
	const mounts = "proc /proc proc rw 0 0\nsysfs /sys sysfs rw 0 0\n"
	writeSyntheticFile(t, directory, "mounts", mounts)

	data, stat, err := ReadSmallFile(filepath.Join(directory, "mounts"), 10)
	if err != nil {
		t.Fatalf("ReadSmallFile: %v", err)
	}
	if string(data) != "proc /proc" {
		t.Errorf("data = %q, want the first 10 bytes", data)
	}
	if stat.Size != int64(len(mounts)) {
		t.Errorf("stat size = %d, want %d", stat.Size, len(mounts))
	}
	if stat.UID != uint32(os.Getuid()) {
		t.Errorf("stat uid = %d, want %d", stat.UID, os.Getuid())
	}

	if _, _, err := ReadSmallFile(filepath.Join(directory, "mounts"), 0); err == nil {
		t.Error("expected an error for a zero max size")
	}
}
