// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule runs short, self-requeuing tasks on a shared worker
// pool.
//
// A [Task] is one step of work. It runs to completion and returns a
// [Step] saying what happens next:
//
//   - [Done]: the chain ends.
//   - [Yield]: the task could not make progress (a lock was busy) and
//     goes to the back of the queue after a scheduler yield.
//   - [After]: the task is resubmitted once the duration elapses on
//     the runner's clock.
//
// Nothing blocks a worker between steps. A probe's periodic capture is
// therefore an inspectable chain of discrete steps rather than a
// goroutine parked in a loop, and the decision to continue is a pure
// function of the probe's state.
//
// Shutdown is global. Once [Runner.Shutdown] is called no step is
// resubmitted, queued steps are discarded, pending timers are stopped,
// and Shutdown waits for steps already running to return. Individual
// chains can also be cancelled through their [Handle], which is how a
// probe is switched off or torn down.
package schedule
