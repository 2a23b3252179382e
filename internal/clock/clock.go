// Package clock centralizes time handling and the cancellable
// background-task pattern used by the scheduler and offline X3DH replay.
//
// Grounded on original_source/backend/utils.py's now()/now_delta()/
// start_background_task() and on ws/worker_pool.go's panic-recovered
// goroutine style.
package clock

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Now returns the current UTC instant, truncated to the precision the rest
// of the system persists (nanosecond, via time.Time — no string coercion
// happens until the API boundary).
func Now() time.Time { return time.Now().UTC() }

// NowDelta returns Now() shifted by delta, positive or negative.
func NowDelta(delta time.Duration) time.Time { return Now().Add(delta) }

// Task is a cancellable, trackable background operation: a timer or sleep
// followed by a callback, running on its own goroutine.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the task if it hasn't already run its callback. Safe to
// call multiple times and safe to call after the task has completed.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait blocks until the task's goroutine has exited (either cancelled or
// completed). Mainly useful in tests.
func (t *Task) Wait() { <-t.done }

// TaskSet tracks in-flight background tasks the way utils.py's module-level
// background_tasks set does, so callers can cancel a specific task (by
// keeping the returned *Task) while the set itself prevents the goroutine's
// stack from being garbage collected early and gives a single place to
// reason about "how many tasks are outstanding."
type TaskSet struct {
	mu     sync.Mutex
	tasks  map[*Task]struct{}
	logger zerolog.Logger
}

func NewTaskSet(logger zerolog.Logger) *TaskSet {
	return &TaskSet{tasks: make(map[*Task]struct{}), logger: logger}
}

// After schedules fn to run after delay, unless the returned *Task is
// cancelled first. fn runs with recover()-guarded panic handling, logged
// and discarded rather than crashing the process, matching the error-guard
// philosophy applied everywhere else in this system.
func (s *TaskSet) After(ctx context.Context, delay time.Duration, fn func(context.Context)) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		defer s.discard(t)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("background task panicked")
			}
		}()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
			return
		case <-timer.C:
		}
		fn(taskCtx)
	}()

	return t
}

func (s *TaskSet) discard(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Len reports the number of outstanding tasks. Used by tests and metrics.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
