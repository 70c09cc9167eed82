// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"testing"
	"time"
)

type entry struct {
	name    string
	payload []byte
}

// entries yields one entry per name.
func entries(names ...string) iter.Seq2[entry, error] {
	return func(yield func(entry, error) bool) {
		for _, name := range names {
			if !yield(entry{name: name, payload: []byte(name)}, nil) {
				return
			}
		}
	}
}

func names(count int) []string {
	result := make([]string, count)
	for index := range result {
		result[index] = fmt.Sprintf("e%d", index)
	}
	return result
}

func TestCaptureAndRead(t *testing.T) {
	store := New[entry](4, nil)

	count, err := store.Capture(7, entries("a", "b", "c"))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if count != 3 {
		t.Fatalf("Capture count = %d, want 3", count)
	}

	for index, want := range []string{"a", "b", "c"} {
		slot, found, err := store.Read(index, 7, false)
		if err != nil {
			t.Fatalf("Read(%d): %v", index, err)
		}
		if !found || slot.Record.name != want {
			t.Errorf("Read(%d) = %q, %v; want %q, true", index, slot.Record.name, found, want)
		}
		if slot.Generation != 7 {
			t.Errorf("Read(%d) generation = %d, want 7", index, slot.Generation)
		}
	}

	if _, found, _ := store.Read(3, 7, false); found {
		t.Error("Read past the last captured slot found a record")
	}
	if _, found, _ := store.Read(-1, 7, false); found {
		t.Error("Read at a negative index found a record")
	}
	if _, found, _ := store.Read(0, 0, false); !found {
		t.Error("Read with generation 0 should match any filled slot")
	}
}

func TestCapacityHonesty(t *testing.T) {
	store := New[entry](3, nil)

	count, err := store.Capture(1, entries(names(5)...))
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Capture error = %v, want ErrFull", err)
	}
	var capacityErr *CapacityError
	if !errors.As(err, &capacityErr) {
		t.Fatalf("Capture error %T is not a *CapacityError", err)
	}
	if capacityErr.Captured != 3 || capacityErr.Dropped != 2 {
		t.Errorf("CapacityError = %+v, want 3 captured and 2 dropped", capacityErr)
	}
	if count != 3 {
		t.Errorf("Capture count = %d, want 3", count)
	}

	valid := 0
	for index := 0; index < store.Capacity(); index++ {
		if _, found, _ := store.Read(index, 1, false); found {
			valid++
		}
	}
	if valid != 3 {
		t.Errorf("valid records = %d, want 3", valid)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	released := 0
	store := New[entry](2, func(record *entry) {
		released++
		record.payload = nil
	})
	if _, err := store.Capture(9, entries("only")); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	slot, found, err := store.Read(0, 9, true)
	if err != nil || !found {
		t.Fatalf("first Read = %v, %v; want a record", found, err)
	}
	if string(slot.Record.payload) != "only" {
		t.Errorf("first Read payload = %q, want %q", slot.Record.payload, "only")
	}

	if _, found, _ := store.Read(0, 9, true); found {
		t.Error("second clearing Read returned a record")
	}
	if released != 1 {
		t.Errorf("release called %d times, want 1", released)
	}
}

func TestGenerationIsolation(t *testing.T) {
	store := New[entry](8, nil)

	if _, err := store.Capture(100, entries("a", "b", "c", "d")); err != nil {
		t.Fatalf("Capture G1: %v", err)
	}
	// A reader drains the first two records of the first pass.
	for index := 0; index < 2; index++ {
		if _, found, _ := store.Read(index, 100, true); !found {
			t.Fatalf("Read(%d, G1) found nothing", index)
		}
	}

	// A second pass lands before the reader continues.
	if _, err := store.Capture(200, entries("w", "x", "y")); err != nil {
		t.Fatalf("Capture G2: %v", err)
	}

	if slot, found, _ := store.Read(2, 100, true); found {
		t.Fatalf("reader of G1 observed %q from G2", slot.Record.name)
	}
	if _, found, _ := store.Read(0, 200, false); !found {
		t.Error("G2 reader cannot see slot 0")
	}
	// Slot 3 held a G1 record past the end of G2; the shorter pass
	// emptied it.
	if slot, found, _ := store.Read(3, 100, false); found {
		t.Errorf("slot 3 still holds %q from G1", slot.Record.name)
	}
}

func TestShorterPassEmptiesStaleTail(t *testing.T) {
	var released []string
	store := New[entry](6, func(record *entry) { released = append(released, record.name) })

	if _, err := store.Capture(0x11, entries("init", "kthreadd", "sshd", "cron")); err != nil {
		t.Fatalf("Capture G1: %v", err)
	}
	if _, _, err := store.Read(3, 0x11, true); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := store.Capture(0x22, entries("init", "kthreadd")); err != nil {
		t.Fatalf("Capture G2: %v", err)
	}

	// A reader that accepts any generation sees G2 and then nothing.
	var seen []string
	for index := 0; index < store.Capacity(); index++ {
		slot, found, err := store.Read(index, 0, false)
		if err != nil {
			t.Fatalf("Read(%d): %v", index, err)
		}
		if !found {
			break
		}
		if slot.Generation != 0x22 {
			t.Errorf("slot %d generation = %x, want 22", index, slot.Generation)
		}
		seen = append(seen, slot.Record.name)
	}
	if len(seen) != 2 {
		t.Errorf("generation-0 reader saw %v, want the two G2 records", seen)
	}
	// cron was released by its clearing read, the other three G1
	// records by the overwrite and the truncation.
	want := []string{"cron", "init", "kthreadd", "sshd"}
	if strings.Join(released, " ") != strings.Join(want, " ") {
		t.Errorf("released = %v, want %v", released, want)
	}
}

func TestFailedPassEmptiesStaleTail(t *testing.T) {
	store := New[entry](4, nil)
	if _, err := store.Capture(1, entries("a", "b", "c")); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	failure := errors.New("enumeration failed")
	source := func(yield func(entry, error) bool) {
		if !yield(entry{name: "x"}, nil) {
			return
		}
		yield(entry{}, failure)
	}
	if _, err := store.Capture(2, source); !errors.Is(err, failure) {
		t.Fatalf("Capture = %v, want %v", err, failure)
	}
	for index := 1; index < store.Capacity(); index++ {
		if slot, found, _ := store.Read(index, 0, false); found {
			t.Errorf("slot %d still holds %q after a failed pass", index, slot.Record.name)
		}
	}
}

func TestRenderStopsAtGenerationBoundary(t *testing.T) {
	store := New[entry](6, nil)
	if _, err := store.Capture(1, entries("a", "b", "c", "d")); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := store.Capture(2, entries("x", "y")); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	var lines []string
	err := store.TryAccess(func(access *Access[entry]) error {
		lines = access.Render(2, func(index int, record *entry) string {
			return fmt.Sprintf("%d:%s", index, record.name)
		})
		return nil
	})
	if err != nil {
		t.Fatalf("TryAccess: %v", err)
	}
	if len(lines) != 2 || lines[0] != "0:x" || lines[1] != "1:y" {
		t.Errorf("Render = %v, want [0:x 1:y]", lines)
	}
}

func TestCaptureFailsFastWhenBusy(t *testing.T) {
	store := New[entry](2, nil)

	held := make(chan struct{})
	releaseLock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.TryAccess(func(*Access[entry]) error {
			close(held)
			<-releaseLock
			return nil
		})
	}()
	<-held

	if _, err := store.Capture(1, entries("a")); !errors.Is(err, ErrBusy) {
		t.Errorf("Capture while locked = %v, want ErrBusy", err)
	}
	if _, _, err := store.Read(0, 1, false); !errors.Is(err, ErrBusy) {
		t.Errorf("Read while locked = %v, want ErrBusy", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.Access(ctx, func(*Access[entry]) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Access while locked = %v, want deadline exceeded", err)
	}

	close(releaseLock)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
	if err := store.Access(context.Background(), func(*Access[entry]) error { return nil }); err != nil {
		t.Errorf("Access after release: %v", err)
	}
}

func TestCaptureStopsOnEnumerationError(t *testing.T) {
	store := New[entry](4, nil)
	failure := errors.New("enumeration failed")
	source := func(yield func(entry, error) bool) {
		if !yield(entry{name: "a"}, nil) {
			return
		}
		yield(entry{}, failure)
	}

	count, err := store.Capture(3, source)
	if !errors.Is(err, failure) {
		t.Fatalf("Capture error = %v, want %v", err, failure)
	}
	if count != 1 {
		t.Errorf("Capture count = %d, want 1", count)
	}
}

func TestOverwriteReleasesPreviousRecord(t *testing.T) {
	var released []string
	store := New[entry](2, func(record *entry) { released = append(released, record.name) })

	if _, err := store.Capture(1, entries("a", "b")); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, _, err := store.Read(1, 1, true); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := store.Capture(2, entries("c", "d")); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	// b was released by the clearing read, a by the overwrite.
	if len(released) != 2 || released[0] != "b" || released[1] != "a" {
		t.Errorf("released = %v, want [b a]", released)
	}
}
