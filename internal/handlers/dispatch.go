// Package handlers implements the event surface and its middleware chain:
// error-guard -> login-fail-guard (auth-class events only) ->
// login-required-guard (protected events) -> exact-key-set guard ->
// handler. Grounded 1:1 on original_source/backend/events.py's
// error_wrap/login_fail_wrap/login_required_wrap/check_keys decorator
// stack and register_events table.
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/callreg"
	"github.com/adred-codev/unmanageable-talk/internal/metrics"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/scheduler"
	"github.com/adred-codev/unmanageable-talk/internal/session"
	"github.com/adred-codev/unmanageable-talk/internal/social"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

// Data is one event's payload, decoded from JSON into a generic map the
// way the original's dicts are used directly without a fixed schema.
type Data map[string]any

// HandlerFunc is one event's business logic. It returns the ack payload on
// success, or an *apierr.Error (or any error, treated as Internal) on
// failure.
type HandlerFunc func(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error)

// eventDef describes one registered event's middleware requirements,
// mirroring which decorators wrapped it in events.py.
type eventDef struct {
	loginFailGuard bool // login_fail_wrap
	requireLogin   bool // login_required_wrap
	keys           []string
	checkKeys      bool // whether @check_keys(...) was present at all
	handler        HandlerFunc
}

// Dispatcher owns every collaborator a handler might need and the
// registered event table.
type Dispatcher struct {
	Store     store.Store
	Router    *router.Router
	Social    *social.Graph
	Calls     *callreg.Registry
	Scheduled *scheduler.Registry
	Logger    zerolog.Logger

	// Metrics is optional: nil in tests that don't care about Prometheus
	// counters, set by cmd/server/main.go in the real binary.
	Metrics *metrics.Metrics

	LoginLockoutFails  int
	LoginLockoutWindow time.Duration
	ScheduleWarnBefore time.Duration

	events map[string]eventDef
}

func NewDispatcher(st store.Store, r *router.Router, sg *social.Graph, calls *callreg.Registry, sched *scheduler.Registry, logger zerolog.Logger, lockoutFails int, lockoutWindow, scheduleWarnBefore time.Duration) *Dispatcher {
	d := &Dispatcher{
		Store:              st,
		Router:             r,
		Social:             sg,
		Calls:              calls,
		Scheduled:          sched,
		Logger:             logger,
		LoginLockoutFails:  lockoutFails,
		LoginLockoutWindow: lockoutWindow,
		ScheduleWarnBefore: scheduleWarnBefore,
		events:             make(map[string]eventDef),
	}
	d.registerEvents()
	return d
}

// WithMetrics attaches a Metrics recorder and returns the Dispatcher for
// chaining, matching how cmd/server/main.go wires every collaborator.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.Metrics = m
	return d
}

func (d *Dispatcher) on(name string, loginFailGuard, requireLogin bool, checkKeys bool, keys []string, h HandlerFunc) {
	d.events[name] = eventDef{
		loginFailGuard: loginFailGuard,
		requireLogin:   requireLogin,
		keys:           keys,
		checkKeys:      checkKeys,
		handler:        h,
	}
}

// Ack is the {"success": ..., "result": ...} envelope every event reply
// uses, matching error_wrap's wrapper return shape.
type Ack struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// Dispatch runs the full middleware chain for one incoming event. It never
// panics past this call: any panic from the handler is recovered and
// reported as an internal error, matching error_wrap's bare `except:`.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, conn router.Conn, event string, data Data) Ack {
	def, ok := d.events[event]
	if !ok {
		return Ack{Success: false, Result: "Unknown event."}
	}

	result, err := d.runGuarded(ctx, sess, conn, def, data)
	if err == nil {
		return Ack{Success: true, Result: result}
	}

	apiErr, ok := err.(*apierr.Error)
	if !ok {
		d.Logger.Error().Err(err).Str("event", event).Msg("handler returned unclassified error")
		return Ack{Success: false, Result: apierr.InternalServerError}
	}
	if apiErr.Kind == apierr.Internal {
		d.Logger.Error().Str("event", event).Str("msg", apiErr.Msg).Msg("internal error")
		return Ack{Success: false, Result: apierr.InternalServerError}
	}
	return Ack{Success: false, Result: apiErr.Msg}
}

func (d *Dispatcher) runGuarded(ctx context.Context, sess *session.Session, conn router.Conn, def eventDef, data Data) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierr.New(apierr.Internal, apierr.InternalServerError)
			d.Logger.Error().Interface("panic", r).Msg("handler panicked")
		}
	}()

	if def.loginFailGuard {
		now := time.Now().UTC()
		if sess.InLockout(now, d.LoginLockoutWindow) {
			return nil, apierr.AuthErr("You have been locked out for 60 seconds.")
		}
	}

	if def.requireLogin && !sess.LoggedIn() {
		return nil, apierr.AuthErr("Not logged in.")
	}

	if def.checkKeys && !exactKeys(data, def.keys) {
		return nil, apierr.Validationf("Invalid data format.")
	}

	result, err = def.handler(ctx, d, sess, conn, data)

	if def.loginFailGuard {
		apiErr, isAPIErr := err.(*apierr.Error)
		if err != nil && isAPIErr && apiErr.Kind != apierr.Internal {
			if d.Metrics != nil {
				d.Metrics.RecordLoginFailure()
			}
			remaining, lockedOut := sess.RecordFailure(time.Now().UTC(), d.LoginLockoutFails)
			if lockedOut {
				if d.Metrics != nil {
					d.Metrics.RecordLoginLockout()
				}
				return nil, apierr.AuthErr(apiErr.Msg + " You have been locked out for 60 seconds.")
			}
			return nil, apierr.AuthErr(apiErr.Msg + suffixRemaining(remaining))
		}
	}

	return result, err
}

func suffixRemaining(remaining int) string {
	if remaining == 1 {
		return " 1 attempt left before lockout."
	}
	return " " + strconv.Itoa(remaining) + " attempts left before lockout."
}

// exactKeys mirrors check_for_keys: the data map's key set must equal keys
// exactly, no more, no fewer.
func exactKeys(data Data, keys []string) bool {
	if len(data) != len(keys) {
		return false
	}
	for _, k := range keys {
		if _, ok := data[k]; !ok {
			return false
		}
	}
	return true
}
