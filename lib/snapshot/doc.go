// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot provides a fixed-capacity, generation-tagged record
// store for capture passes.
//
// A [Store] is a slice of slots allocated once at construction. Every
// capture pass writes records contiguously from slot 0, stamping each
// with the pass's generation. Readers compare a slot's generation with
// the one they expect and stop at the first mismatch, so a reader that
// began draining one pass can never silently continue into the next.
//
// Both writers and readers take the store's mutex with TryLock. A
// capture that finds the lock held fails with [ErrBusy] so the caller
// can yield and retry on a later scheduler turn; the capture path never
// blocks. A capture pass that produces more entities than the store
// can hold keeps the first Capacity records and reports a
// [*CapacityError] (which matches [ErrFull]) instead of growing.
//
// Slots can be cleared as they are consumed. Clearing runs the store's
// release hook on the slot's record, which probes use to drop large
// payload buffers early.
package snapshot
