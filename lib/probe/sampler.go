// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/hostsensor/lib/procfs"
	"github.com/bureau-foundation/hostsensor/lib/schedule"
	"github.com/bureau-foundation/hostsensor/lib/snapshot"
)

// Defaults applied by the constructors to zero-valued Options fields.
const (
	DefaultCapacity = 1024
	DefaultRepeat   = 1
	DefaultInterval = time.Second
)

// Options configures a probe. Zero values select defaults.
type Options struct {
	// ID is the identity clients address the probe by. Defaults to
	// the kind name followed by "-probe".
	ID string

	// Capacity is the number of snapshot slots.
	Capacity int

	// Repeat is the number of scheduled capture passes. A negative
	// value disables scheduling; the probe still serves records.
	Repeat int

	// Interval is the delay between scheduled passes at the default
	// level.
	Interval time.Duration

	// Level is the initial sampling level. The zero value is
	// LevelLow, so constructors only honor it when LevelSet is true.
	Level    Level
	LevelSet bool

	// Root is the procfs mount point.
	Root string

	// PrintToLog logs every rendered record line at info level after
	// each scheduled pass. Otherwise only a summary is logged.
	PrintToLog bool

	// Generation draws generation tags. Defaults to a nonzero random
	// uint64.
	Generation func() uint64
}

func (o Options) withDefaults(kind string) Options {
	if o.ID == "" {
		o.ID = kind + "-probe"
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Repeat == 0 {
		o.Repeat = DefaultRepeat
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if !o.LevelSet {
		o.Level = LevelDefault
	}
	if o.Root == "" {
		o.Root = procfs.DefaultRoot
	}
	if o.Generation == nil {
		o.Generation = RandomGeneration
	}
	return o
}

// RandomGeneration returns a nonzero random generation tag.
func RandomGeneration() uint64 {
	for {
		if generation := rand.Uint64(); generation != 0 {
			return generation
		}
	}
}

// variant supplies what differs between probe kinds.
type variant[R any] interface {
	kind() string
	entities(ctx context.Context) iter.Seq2[R, error]
	render(index int, record *R, generation uint64) string
	reply(index int, record *R, generation uint64) RecordReply
}

// Sampler is a probe over records of type R. It is safe for
// concurrent use.
type Sampler[R any] struct {
	id      string
	uuid    string
	variant variant[R]
	store   *snapshot.Store[R]
	options Options
	logger  *slog.Logger

	flags atomic.Uint32

	mu        sync.Mutex
	state     State
	remaining int
	// pending is the generation of a scheduled pass that yielded on a
	// busy store. The retry reuses it.
	pending uint64
	runner  *schedule.Runner
	handle  *schedule.Handle
}

var _ Probe = (*Sampler[ProcessRecord])(nil)

func newSampler[R any](v variant[R], options Options, release func(*R), logger *slog.Logger) *Sampler[R] {
	options = options.withDefaults(v.kind())
	sampler := &Sampler[R]{
		id:      options.ID,
		uuid:    uuid.NewString(),
		variant: v,
		store:   snapshot.New(options.Capacity, release),
		options: options,
		logger:  logger.With("probe", options.ID, "kind", v.kind()),
		state:   State{Running: true, Level: options.Level},
	}
	sampler.setFlags(FlagInitialized | FlagHasID)
	return sampler
}

func (s *Sampler[R]) ID() string   { return s.id }
func (s *Sampler[R]) UUID() string { return s.uuid }
func (s *Sampler[R]) Kind() string { return s.variant.kind() }
func (s *Sampler[R]) Flags() Flags { return Flags(s.flags.Load()) }

func (s *Sampler[R]) setFlags(mask Flags)   { s.flags.Or(uint32(mask)) }
func (s *Sampler[R]) clearFlags(mask Flags) { s.flags.And(^uint32(mask)) }

// Capacity returns the number of snapshot slots.
func (s *Sampler[R]) Capacity() int { return s.store.Capacity() }

// State returns the current run state and level.
func (s *Sampler[R]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the scheduling interval at the current level.
func (s *Sampler[R]) Interval() time.Duration {
	return scaledInterval(s.options.Interval, s.State().Level)
}

// Capture runs one capture pass tagged with generation. It returns
// snapshot.ErrBusy immediately if the store is locked, and a
// *snapshot.CapacityError if entities were dropped.
func (s *Sampler[R]) Capture(ctx context.Context, generation uint64) (int, error) {
	if s.Flags().Has(FlagDestroyed) {
		return 0, ErrDestroyed
	}
	count, err := s.store.Capture(generation, s.variant.entities(ctx))
	if count > 0 {
		s.setFlags(FlagHasData)
	}
	return count, err
}

// Render formats every live record of generation, waiting for the
// store lock until ctx is done.
func (s *Sampler[R]) Render(ctx context.Context, generation uint64) ([]string, error) {
	if s.Flags().Has(FlagDestroyed) {
		return nil, ErrDestroyed
	}
	var lines []string
	err := s.store.Access(ctx, func(access *snapshot.Access[R]) error {
		lines = access.Render(generation, func(index int, record *R) string {
			return s.variant.render(index, record, generation)
		})
		return nil
	})
	return lines, err
}

// Record serves one slot. When request.RunProbe is set the store is
// refilled with request.Generation first, under the same lock as the
// read. A capacity overflow from that capture is returned together
// with a valid reply; any other capture error aborts the request.
func (s *Sampler[R]) Record(ctx context.Context, request RecordRequest) (RecordReply, error) {
	if s.Flags().Has(FlagDestroyed) {
		return RecordReply{}, ErrDestroyed
	}
	var (
		reply      RecordReply
		overflowed error
	)
	err := s.store.Access(ctx, func(access *snapshot.Access[R]) error {
		if request.RunProbe {
			count, err := access.Capture(request.Generation, s.variant.entities(ctx))
			if count > 0 {
				s.setFlags(FlagHasData)
			}
			if err != nil {
				if !errors.Is(err, snapshot.ErrFull) {
					return fmt.Errorf("capturing %s: %w", s.id, err)
				}
				overflowed = err
			}
		}
		slot, found := access.Read(request.Index, request.Generation, request.Clear)
		if !found {
			reply = RecordReply{Index: request.Index}
			return nil
		}
		reply = s.variant.reply(request.Index, &slot.Record, slot.Generation)
		reply.Found = true
		reply.Index = request.Index
		reply.Generation = slot.Generation
		return nil
	})
	if err != nil {
		return RecordReply{}, err
	}
	return reply, overflowed
}

// ChangeState applies command. Turning a started probe on schedules
// a fresh chain if none is running; turning it off cancels the chain.
// Reset clears the store, restores the configured level, and restarts
// the chain with the full repeat count.
func (s *Sampler[R]) ChangeState(ctx context.Context, command StateCommand) (State, error) {
	if s.Flags().Has(FlagDestroyed) {
		return State{}, ErrDestroyed
	}

	s.mu.Lock()
	switch command {
	case CommandOff:
		s.state.Running = false
	case CommandOn:
		s.state.Running = true
	case CommandIncrease:
		if s.state.Level < LevelAdversarial {
			s.state.Level++
		}
	case CommandDecrease:
		if s.state.Level > LevelLow {
			s.state.Level--
		}
	case CommandLow:
		s.state.Level = LevelLow
	case CommandDefault:
		s.state.Level = LevelDefault
	case CommandHigh:
		s.state.Level = LevelHigh
	case CommandAdversarial:
		s.state.Level = LevelAdversarial
	case CommandReset:
		s.state = State{Running: true, Level: s.options.Level}
	default:
		s.mu.Unlock()
		return State{}, fmt.Errorf("%w: %d", ErrUnknownState, uint8(command))
	}
	state := s.state
	s.mu.Unlock()

	switch command {
	case CommandOff:
		s.unschedule()
	case CommandOn:
		s.schedule(false)
	case CommandReset:
		s.unschedule()
		err := s.store.Access(ctx, func(access *snapshot.Access[R]) error {
			access.ClearAll()
			return nil
		})
		if err != nil {
			return state, fmt.Errorf("resetting %s: %w", s.id, err)
		}
		s.clearFlags(FlagHasData)
		s.schedule(true)
	}
	s.logger.Info("probe state changed", "command", command.String(), "state", state.String())
	return state, nil
}

// Start attaches the probe to runner and, if the probe is on,
// schedules its capture chain.
func (s *Sampler[R]) Start(runner *schedule.Runner) error {
	if s.Flags().Has(FlagDestroyed) {
		return ErrDestroyed
	}
	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()
	return s.schedule(true)
}

// Close cancels any scheduled chain and clears the store. It is safe
// to call more than once.
func (s *Sampler[R]) Close() {
	if s.Flags().Has(FlagDestroyed) {
		return
	}
	s.setFlags(FlagDestroyed)
	s.unschedule()
	s.store.Access(context.Background(), func(access *snapshot.Access[R]) error {
		access.ClearAll()
		return nil
	})
	s.clearFlags(FlagHasData)
	s.logger.Debug("probe closed")
}

// schedule submits a capture chain unless one is already live. restart
// resets the repeat counter even when the previous chain ran out.
func (s *Sampler[R]) schedule(restart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil || !s.state.Running || s.options.Repeat < 0 {
		return nil
	}
	if s.handle != nil {
		select {
		case <-s.handle.Done():
		default:
			return nil
		}
	}
	if restart || s.remaining <= 0 {
		s.remaining = s.options.Repeat
	}
	handle, err := s.runner.Submit(s.id, s.step)
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", s.id, err)
	}
	s.handle = handle
	s.setFlags(FlagHasWork)
	return nil
}

func (s *Sampler[R]) unschedule() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.pending = 0
	s.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
	s.clearFlags(FlagHasWork)
}

// step is one scheduled capture pass.
func (s *Sampler[R]) step(ctx context.Context) schedule.Step {
	if s.Flags().Has(FlagDestroyed) {
		return schedule.Done()
	}

	s.mu.Lock()
	generation := s.pending
	if generation == 0 {
		generation = s.options.Generation()
		s.pending = generation
	}
	s.mu.Unlock()

	count, err := s.Capture(ctx, generation)
	if errors.Is(err, snapshot.ErrBusy) {
		return schedule.Yield()
	}

	s.mu.Lock()
	s.pending = 0
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, snapshot.ErrFull):
		s.logger.Warn("capture overflowed snapshot store", "error", err)
	default:
		s.logger.Warn("capture failed", "generation", fmt.Sprintf("%x", generation), "error", err)
	}
	s.logPass(ctx, generation, count)

	s.mu.Lock()
	s.remaining--
	next := nextStep(s.remaining, s.state, s.runner.ShuttingDown(), s.options.Interval)
	s.mu.Unlock()
	if next.IsDone() {
		s.clearFlags(FlagHasWork)
	}
	return next
}

func (s *Sampler[R]) logPass(ctx context.Context, generation uint64, count int) {
	if !s.options.PrintToLog {
		s.logger.Debug("capture pass complete",
			"generation", fmt.Sprintf("%x", generation),
			"records", count,
		)
		return
	}
	lines, err := s.Render(ctx, generation)
	if err != nil {
		s.logger.Warn("rendering snapshot", "error", err)
		return
	}
	for _, line := range lines {
		s.logger.Info(line)
	}
}

// nextStep decides what a scheduled pass does after capturing.
func nextStep(remaining int, state State, shuttingDown bool, interval time.Duration) schedule.Step {
	if remaining <= 0 || !state.Running || shuttingDown {
		return schedule.Done()
	}
	return schedule.After(scaledInterval(interval, state.Level))
}

func scaledInterval(interval time.Duration, level Level) time.Duration {
	switch level {
	case LevelLow:
		return interval * 2
	case LevelHigh:
		return interval / 2
	case LevelAdversarial:
		return interval / 4
	default:
		return interval
	}
}

// collect adapts a source sequence into records, stopping early when
// ctx is cancelled. convert returns false to skip an item.
func collect[T, R any](ctx context.Context, source iter.Seq2[T, error], convert func(T) (R, bool)) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		for item, err := range source {
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				var zero R
				yield(zero, err)
				return
			}
			record, keep := convert(item)
			if !keep {
				continue
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}
