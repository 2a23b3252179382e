// Package scheduler implements scheduled and self-destructing messages:
// a per-(dm, user) registry of pending sends, cancellable up until they
// fire, with an optional pre-warning and an optional post-send delete
// timer. Grounded on original_source/backend/events.py's send_message
// schedule_handler closure and the scheduled_messages module-level
// registry (dm id -> username -> schedule id -> entry).
package scheduler

import (
	"context"
	"time"

	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/metrics"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

// Entry is what a caller (e.g. get_dm's "scheduled_messages" field) sees
// about a pending scheduled message — the task handle is never exposed.
type Entry struct {
	Message   string
	Signature string
	Timestamp time.Time
}

type Notifier interface {
	NotifySchedSoon(username string, dmID int64, scheduleID int64)
	NotifySchedMessage(username string, dmID int64, scheduleID int64)
	NotifyMessage(dmID int64, message any)
	NotifyMessageDelete(dmID int64, payload any)
}

type pending struct {
	Entry
	task *clock.Task
}

type dmUserKey struct {
	DMID     int64
	Username string
}

// Registry tracks pending scheduled messages. It is safe for concurrent
// use; schedule ids increment per (dm, user) pair starting at 1, matching
// `max(scheduled_messages[dm_id][username], default=0) + 1`.
type Registry struct {
	tasks    *clock.TaskSet
	store    store.Store
	notifier Notifier
	warnAt   time.Duration

	// metrics is optional: nil in tests, set by cmd/server/main.go.
	metrics *metrics.Metrics

	mu      chan struct{} // binary semaphore, held across the whole map
	entries map[dmUserKey]map[int64]*pending
}

// WithMetrics attaches a Metrics recorder and returns the Registry for
// chaining.
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	return r
}

func New(tasks *clock.TaskSet, st store.Store, notifier Notifier, warnBefore time.Duration) *Registry {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Registry{
		tasks:    tasks,
		store:    st,
		notifier: notifier,
		warnAt:   warnBefore,
		mu:       mu,
		entries:  make(map[dmUserKey]map[int64]*pending),
	}
}

func (r *Registry) lock()   { <-r.mu }
func (r *Registry) unlock() { r.mu <- struct{}{} }

// Schedule arms a message to be created after `scheduleSeconds`. If
// destructSeconds is > 0 the message is deleted that many seconds after
// it is actually sent. Returns the new schedule id.
func (r *Registry) Schedule(ctx context.Context, dmID int64, username, message, sig string, scheduleSeconds, destructSeconds int) int64 {
	key := dmUserKey{dmID, username}

	r.lock()
	if r.entries[key] == nil {
		r.entries[key] = make(map[int64]*pending)
	}
	var maxID int64
	for id := range r.entries[key] {
		if id > maxID {
			maxID = id
		}
	}
	schedID := maxID + 1
	entry := &pending{Entry: Entry{
		Message:   message,
		Signature: sig,
		Timestamp: clock.NowDelta(time.Duration(scheduleSeconds) * time.Second),
	}}
	r.entries[key][schedID] = entry
	r.unlock()

	pre := time.Duration(scheduleSeconds)*time.Second - r.warnAt
	if pre < 0 {
		pre = 0
	}
	post := time.Duration(scheduleSeconds)*time.Second - pre

	// Scheduled sends must outlive the connection that requested them, so
	// the task is rooted in a process-scoped context rather than ctx.
	task := r.tasks.After(context.Background(), pre, func(ctx context.Context) {
		if pre > 0 {
			r.notifier.NotifySchedSoon(username, dmID, schedID)
		}
		r.fire(ctx, dmID, username, schedID, message, sig, post, destructSeconds)
	})

	r.lock()
	entry.task = task
	r.unlock()

	return schedID
}

func (r *Registry) fire(ctx context.Context, dmID int64, username string, schedID int64, message, sig string, post time.Duration, destructSeconds int) {
	timer := time.NewTimer(post)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	r.lock()
	if key := (dmUserKey{dmID, username}); r.entries[key] != nil {
		delete(r.entries[key], schedID)
	}
	r.unlock()

	m, err := r.store.CreateMessage(ctx, dmID, username, message, sig, destructSeconds)
	if err != nil {
		return
	}

	if r.metrics != nil {
		r.metrics.RecordScheduledFired()
	}
	r.notifier.NotifySchedMessage(username, dmID, schedID)
	r.notifier.NotifyMessage(dmID, m)

	if destructSeconds > 0 {
		r.tasks.After(context.Background(), time.Duration(destructSeconds)*time.Second, func(ctx context.Context) {
			if err := r.store.DeleteMessage(ctx, m.ID); err != nil {
				return
			}
			r.notifier.NotifyMessageDelete(dmID, map[string]any{"id": m.ID, "dm_id": dmID})
		})
	}
}

// Cancel stops a pending scheduled message before it fires. Returns false
// if no such schedule id exists for this (dm, user).
func (r *Registry) Cancel(dmID int64, username string, schedID int64) bool {
	r.lock()
	defer r.unlock()
	key := dmUserKey{dmID, username}
	entry, ok := r.entries[key][schedID]
	if !ok {
		return false
	}
	entry.task.Cancel()
	delete(r.entries[key], schedID)
	return true
}

// List returns the pending scheduled messages for this (dm, user), with
// the internal task handle excluded — mirrors get_dm's
// `exclude_keys(v, ["handle"])` projection.
func (r *Registry) List(dmID int64, username string) map[int64]Entry {
	r.lock()
	defer r.unlock()
	key := dmUserKey{dmID, username}
	out := make(map[int64]Entry, len(r.entries[key]))
	for id, p := range r.entries[key] {
		out[id] = p.Entry
	}
	return out
}

// ScheduleSelfDestruct arms a plain (non-scheduled) message's delete
// timer, used by send_message when schedule == 0 but delete > 0. Rooted
// in a process-scoped context so the delete still fires after the
// sender disconnects.
func (r *Registry) ScheduleSelfDestruct(ctx context.Context, dmID int64, messageID int64, destructSeconds int) {
	r.tasks.After(context.Background(), time.Duration(destructSeconds)*time.Second, func(ctx context.Context) {
		if err := r.store.DeleteMessage(ctx, messageID); err != nil {
			return
		}
		r.notifier.NotifyMessageDelete(dmID, map[string]any{"id": messageID, "dm_id": dmID})
	})
}
