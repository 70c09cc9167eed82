// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync"
)

var (
	// ErrBusy means the store's lock was held by another capture or
	// reader. The operation did nothing and can be retried.
	ErrBusy = errors.New("snapshot: store busy")

	// ErrFull means a capture pass produced more entities than the
	// store's capacity.
	ErrFull = errors.New("snapshot: store full")
)

// CapacityError reports a capture pass that overflowed the store.
// Captured records were stored in slots 0..Captured-1; Dropped entities
// were seen but not stored.
type CapacityError struct {
	Capacity int
	Captured int
	Dropped  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("snapshot: capacity %d exceeded, %d captured, %d dropped",
		e.Capacity, e.Captured, e.Dropped)
}

// Is makes errors.Is(err, ErrFull) true for capacity errors.
func (e *CapacityError) Is(target error) bool { return target == ErrFull }

// Slot is one position in a store.
type Slot[R any] struct {
	Generation uint64
	Filled     bool
	Cleared    bool
	Record     R
}

// Store is a fixed-capacity array of generation-tagged records. The
// zero value is not usable; create stores with [New].
type Store[R any] struct {
	mu      sync.Mutex
	slots   []Slot[R]
	release func(*R)
}

// New creates a store with the given capacity. release, if non-nil,
// is called on a record when its slot is cleared or overwritten.
func New[R any](capacity int, release func(*R)) *Store[R] {
	if capacity <= 0 {
		panic(fmt.Sprintf("snapshot: capacity must be positive, got %d", capacity))
	}
	return &Store[R]{
		slots:   make([]Slot[R], capacity),
		release: release,
	}
}

// Capacity returns the number of slots.
func (s *Store[R]) Capacity() int { return len(s.slots) }

// Access is a locked view of a store, valid only inside the callback
// passed to [Store.TryAccess] or [Store.Access].
type Access[R any] struct {
	store *Store[R]
}

// TryAccess runs fn with the store locked. If the lock is held, it
// returns ErrBusy without calling fn.
func (s *Store[R]) TryAccess(fn func(*Access[R]) error) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	defer s.mu.Unlock()
	return fn(&Access[R]{store: s})
}

// Access runs fn with the store locked, retrying TryLock with a
// scheduler yield between attempts until ctx is done.
func (s *Store[R]) Access(ctx context.Context, fn func(*Access[R]) error) error {
	for {
		err := s.TryAccess(fn)
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for snapshot store: %w", ctx.Err())
		}
		runtime.Gosched()
	}
}

// Capture stores records from entities into consecutive slots tagged
// with generation. It returns ErrBusy if the store is locked.
func (s *Store[R]) Capture(generation uint64, entities iter.Seq2[R, error]) (int, error) {
	var count int
	err := s.TryAccess(func(access *Access[R]) error {
		var captureErr error
		count, captureErr = access.Capture(generation, entities)
		return captureErr
	})
	return count, err
}

// Read returns the slot at index if it belongs to generation (or to
// the current pass when generation is zero) and has not been cleared.
// It returns ErrBusy if the store is locked.
func (s *Store[R]) Read(index int, generation uint64, clear bool) (Slot[R], bool, error) {
	var (
		slot  Slot[R]
		found bool
	)
	err := s.TryAccess(func(access *Access[R]) error {
		slot, found = access.Read(index, generation, clear)
		return nil
	})
	return slot, found, err
}

// Capture is the locked form of [Store.Capture]. Iteration stops at
// the first error from entities; records captured before it are kept.
// Slots past the last captured record are emptied, so no record of an
// earlier pass outlives a shorter one.
func (a *Access[R]) Capture(generation uint64, entities iter.Seq2[R, error]) (int, error) {
	slots := a.store.slots
	captured, dropped := 0, 0
	defer func() { a.truncate(captured) }()
	for record, err := range entities {
		if err != nil {
			return captured, err
		}
		if captured == len(slots) {
			dropped++
			continue
		}
		slot := &slots[captured]
		if slot.Filled && !slot.Cleared {
			a.store.releaseRecord(&slot.Record)
		}
		*slot = Slot[R]{
			Generation: generation,
			Filled:     true,
			Record:     record,
		}
		captured++
	}
	if dropped > 0 {
		return captured, &CapacityError{
			Capacity: len(slots),
			Captured: captured,
			Dropped:  dropped,
		}
	}
	return captured, nil
}

// Read is the locked form of [Store.Read]. The returned slot is a
// copy taken before any clearing.
func (a *Access[R]) Read(index int, generation uint64, clear bool) (Slot[R], bool) {
	if index < 0 || index >= len(a.store.slots) {
		return Slot[R]{}, false
	}
	slot := &a.store.slots[index]
	if !slot.Filled || slot.Cleared {
		return Slot[R]{}, false
	}
	if generation != 0 && slot.Generation != generation {
		return Slot[R]{}, false
	}
	read := *slot
	if clear {
		a.clearSlot(slot)
	}
	return read, true
}

// Clear marks the slot at index cleared. Clearing an unfilled or
// already-cleared slot does nothing.
func (a *Access[R]) Clear(index int) {
	if index < 0 || index >= len(a.store.slots) {
		return
	}
	a.clearSlot(&a.store.slots[index])
}

// ClearAll clears every filled slot.
func (a *Access[R]) ClearAll() {
	for index := range a.store.slots {
		a.clearSlot(&a.store.slots[index])
	}
}

// Render walks the store from slot 0 and calls format for each record
// of generation, stopping at the first slot that does not belong to it.
func (a *Access[R]) Render(generation uint64, format func(index int, record *R) string) []string {
	var lines []string
	for index := range a.store.slots {
		slot := &a.store.slots[index]
		if !slot.Filled || slot.Generation != generation {
			break
		}
		if slot.Cleared {
			continue
		}
		lines = append(lines, format(index, &slot.Record))
	}
	return lines
}

// Count returns the number of live records of generation, counted the
// same way Render walks.
func (a *Access[R]) Count(generation uint64) int {
	count := 0
	for index := range a.store.slots {
		slot := &a.store.slots[index]
		if !slot.Filled || slot.Generation != generation {
			break
		}
		if !slot.Cleared {
			count++
		}
	}
	return count
}

// truncate empties every slot from index on.
func (a *Access[R]) truncate(index int) {
	for ; index < len(a.store.slots); index++ {
		slot := &a.store.slots[index]
		if !slot.Filled {
			continue
		}
		if !slot.Cleared {
			a.store.releaseRecord(&slot.Record)
		}
		*slot = Slot[R]{}
	}
}

func (a *Access[R]) clearSlot(slot *Slot[R]) {
	if !slot.Filled || slot.Cleared {
		return
	}
	slot.Cleared = true
	a.store.releaseRecord(&slot.Record)
}

func (s *Store[R]) releaseRecord(record *R) {
	if s.release != nil {
		s.release(record)
	}
}
