// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/hostsensor/lib/clock"
)

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("schedule: runner is shut down")

type stepKind uint8

const (
	stepDone stepKind = iota
	stepYield
	stepAfter
)

// Step is the continuation returned by a task.
type Step struct {
	kind  stepKind
	delay time.Duration
}

// Done ends the task's chain.
func Done() Step { return Step{kind: stepDone} }

// Yield requeues the task behind any other queued work.
func Yield() Step { return Step{kind: stepYield} }

// After resubmits the task once d has elapsed.
func After(d time.Duration) Step { return Step{kind: stepAfter, delay: d} }

// IsDone reports whether the step ends the chain.
func (s Step) IsDone() bool { return s.kind == stepDone }

// Delay returns the resubmission delay of an After step.
func (s Step) Delay() time.Duration { return s.delay }

func (s Step) String() string {
	switch s.kind {
	case stepDone:
		return "done"
	case stepYield:
		return "yield"
	default:
		return fmt.Sprintf("after %s", s.delay)
	}
}

// Task is one step of a self-requeuing unit of work.
type Task func(ctx context.Context) Step

// Config configures a Runner.
type Config struct {
	// Workers is the size of the worker pool. Defaults to 2.
	Workers int

	// Clock drives After resubmissions. Defaults to clock.Real().
	Clock clock.Clock
}

// Runner executes tasks on a fixed pool of workers.
type Runner struct {
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	shutdown atomic.Bool
	workers  sync.WaitGroup

	mu      sync.Mutex
	ready   *sync.Cond
	queue   []*job
	closed  bool
	waiting map[*job]*clock.Timer

	yieldLog rate.Sometimes
}

// job is one submitted chain.
type job struct {
	name      string
	task      Task
	cancelled atomic.Bool
	steps     atomic.Uint64
	finish    sync.Once
	done      chan struct{}
}

// Handle refers to a submitted chain.
type Handle struct {
	runner *Runner
	job    *job
}

// NewRunner starts a runner's workers.
func NewRunner(config Config, logger *slog.Logger) *Runner {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	runner := &Runner{
		clock:    config.Clock,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		waiting:  make(map[*job]*clock.Timer),
		yieldLog: rate.Sometimes{Interval: time.Second},
	}
	runner.ready = sync.NewCond(&runner.mu)
	for range config.Workers {
		runner.workers.Add(1)
		go runner.work()
	}
	return runner
}

// ShuttingDown reports whether Shutdown has been called.
func (r *Runner) ShuttingDown() bool { return r.shutdown.Load() }

// Submit queues the first step of a new chain.
func (r *Runner) Submit(name string, task Task) (*Handle, error) {
	if r.shutdown.Load() {
		return nil, ErrShutdown
	}
	submitted := &job{name: name, task: task, done: make(chan struct{})}
	if !r.enqueue(submitted) {
		return nil, ErrShutdown
	}
	return &Handle{runner: r, job: submitted}, nil
}

// Shutdown stops all chains and waits for running steps to return.
func (r *Runner) Shutdown() {
	if r.shutdown.Swap(true) {
		r.workers.Wait()
		return
	}
	r.cancel()

	r.mu.Lock()
	r.closed = true
	waiting := r.waiting
	r.waiting = make(map[*job]*clock.Timer)
	queued := r.queue
	r.queue = nil
	r.ready.Broadcast()
	r.mu.Unlock()

	for waitingJob, timer := range waiting {
		timer.Stop()
		r.finish(waitingJob, "shutdown")
	}
	for _, queuedJob := range queued {
		r.finish(queuedJob, "shutdown")
	}
	r.workers.Wait()
}

func (r *Runner) enqueue(queued *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.queue = append(r.queue, queued)
	r.ready.Signal()
	return true
}

func (r *Runner) next() (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && !r.closed {
		r.ready.Wait()
	}
	if len(r.queue) == 0 {
		return nil, false
	}
	head := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return head, true
}

func (r *Runner) work() {
	defer r.workers.Done()
	for {
		current, ok := r.next()
		if !ok {
			return
		}
		r.run(current)
	}
}

func (r *Runner) run(current *job) {
	if current.cancelled.Load() || r.shutdown.Load() {
		r.finish(current, "cancelled")
		return
	}

	step := current.task(r.ctx)
	current.steps.Add(1)

	switch step.kind {
	case stepDone:
		r.finish(current, "done")

	case stepYield:
		r.yieldLog.Do(func() {
			r.logger.Debug("task yielded", "task", current.name, "steps", current.steps.Load())
		})
		runtime.Gosched()
		if !r.enqueue(current) {
			r.finish(current, "shutdown")
		}

	case stepAfter:
		if step.delay <= 0 {
			if !r.enqueue(current) {
				r.finish(current, "shutdown")
			}
			return
		}
		r.mu.Lock()
		if r.closed || current.cancelled.Load() {
			r.mu.Unlock()
			r.finish(current, "cancelled")
			return
		}
		// Armed under the lock so Cancel and Shutdown always find the
		// timer. The callback takes the lock itself, so it cannot run
		// before the entry exists.
		r.waiting[current] = r.clock.AfterFunc(step.delay, func() { r.resubmit(current) })
		r.mu.Unlock()
	}
}

// resubmit moves a job from the timer set back onto the queue.
func (r *Runner) resubmit(waitingJob *job) {
	r.mu.Lock()
	if _, ok := r.waiting[waitingJob]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.waiting, waitingJob)
	if r.closed {
		r.mu.Unlock()
		r.finish(waitingJob, "shutdown")
		return
	}
	r.queue = append(r.queue, waitingJob)
	r.ready.Signal()
	r.mu.Unlock()
}

func (r *Runner) finish(finished *job, reason string) {
	finished.finish.Do(func() {
		r.logger.Debug("task finished",
			"task", finished.name,
			"reason", reason,
			"steps", finished.steps.Load(),
		)
		close(finished.done)
	})
}

// Name returns the name the chain was submitted with.
func (h *Handle) Name() string { return h.job.name }

// Steps returns the number of steps the chain has run.
func (h *Handle) Steps() uint64 { return h.job.steps.Load() }

// Done is closed when the chain has ended for any reason.
func (h *Handle) Done() <-chan struct{} { return h.job.done }

// Cancel ends the chain after its current step, if one is running, and
// waits until it has ended.
func (h *Handle) Cancel() {
	h.job.cancelled.Store(true)

	runner := h.runner
	runner.mu.Lock()
	timer, waiting := runner.waiting[h.job]
	if waiting {
		delete(runner.waiting, h.job)
	}
	runner.mu.Unlock()

	if waiting {
		timer.Stop()
		runner.finish(h.job, "cancelled")
	}
	<-h.job.done
}
