// Package router is the Notification Router: room/presence bookkeeping and
// fan-out that a Go websocket library does not give for free the way
// python-socketio's rooms did for the original. Grounded in shape on
// adred-codev-ws_poc's pkg/websocket/hub.go (client registry, broadcast by
// iterating a room's members, metrics counters) generalized from one flat
// client map into the room-keyed maps original_source/backend/
// notifications.py defines (ROOM_USER_*, ROOM_DM_*_NOTIFICATION) plus the
// presence map (name_map) and the 5-second delayed X3DH replay on login.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

// Conn is anything the router can push a notification to: one websocket
// connection.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

func userRoom(username string) string { return fmt.Sprintf("ROOM_USER_%s", username) }
func dmRoom(dmID int64) string        { return fmt.Sprintf("ROOM_DM_%d_NOTIFICATION", dmID) }

type Router struct {
	mu       sync.Mutex
	rooms    map[string]map[string]Conn // room name -> conn id -> conn
	presence map[string]map[string]Conn // username -> conn id -> conn

	store          store.Store
	tasks          *clock.TaskSet
	xdhReplayDelay time.Duration
	logger         zerolog.Logger

	roomMu        sync.Mutex
	roomLimiter   map[string]*rate.Limiter
	broadcastRate rate.Limit
}

// New builds a Router. broadcastRate caps how many typing notifications
// per second a single dm room may be fanned out to (see NotifyTyping),
// protecting a connection from a burst of typing events on one busy dm;
// 0 disables the limit. Other notifications are not rate limited.
func New(st store.Store, tasks *clock.TaskSet, xdhReplayDelay time.Duration, logger zerolog.Logger, broadcastRate ...int) *Router {
	r := &Router{
		rooms:          make(map[string]map[string]Conn),
		presence:       make(map[string]map[string]Conn),
		store:          st,
		tasks:          tasks,
		xdhReplayDelay: xdhReplayDelay,
		logger:         logger,
		roomLimiter:    make(map[string]*rate.Limiter),
	}
	if len(broadcastRate) > 0 && broadcastRate[0] > 0 {
		r.broadcastRate = rate.Limit(broadcastRate[0])
	}
	return r
}

// limiterFor returns (creating if needed) the token-bucket limiter for
// room, sized to allow a burst of one second's worth of events plus one.
func (r *Router) limiterFor(room string) *rate.Limiter {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	l, ok := r.roomLimiter[room]
	if !ok {
		l = rate.NewLimiter(r.broadcastRate, int(r.broadcastRate)+1)
		r.roomLimiter[room] = l
	}
	return l
}

func (r *Router) joinLocked(room string, c Conn) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]Conn)
	}
	r.rooms[room][c.ID()] = c
}

// IsOnline reports whether any connection is currently logged in as
// username — the same check the original makes before deciding whether to
// deliver an X3DH payload immediately or queue it.
func (r *Router) IsOnline(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presence[username]) > 0
}

// LoginJoinRooms registers c under username's presence, joins it to every
// dm room the user belongs to plus their own user room, and replays any
// queued X3DH payloads after the router's replay delay (5 seconds in the
// default configuration) — mirroring login_join_rooms.
func (r *Router) LoginJoinRooms(ctx context.Context, username string, c Conn) error {
	dms, err := r.store.GetUserDMs(ctx, username)
	if err != nil {
		return fmt.Errorf("get user dms: %w", err)
	}

	r.mu.Lock()
	if r.presence[username] == nil {
		r.presence[username] = make(map[string]Conn)
	}
	r.presence[username][c.ID()] = c
	for _, dmID := range dms {
		r.joinLocked(dmRoom(dmID), c)
	}
	r.joinLocked(userRoom(username), c)
	r.mu.Unlock()

	pending, err := r.store.GetAndClearX3DH(ctx, username)
	if err != nil {
		return fmt.Errorf("drain x3dh queue: %w", err)
	}
	for _, payload := range pending {
		payload := payload
		r.tasks.After(ctx, r.xdhReplayDelay, func(context.Context) {
			r.NotifyX3DH(username, payload)
		})
	}
	return nil
}

// JoinNewDM makes every currently-connected member of a freshly created dm
// join its notification room, mirroring join_new_dm.
func (r *Router) JoinNewDM(ctx context.Context, dmID int64) error {
	dm, err := r.store.GetDM(ctx, dmID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, username := range dm.Users {
		for _, c := range r.presence[username] {
			r.joinLocked(dmRoom(dmID), c)
		}
	}
	return nil
}

// RemoveConn tears down a disconnecting connection's presence and room
// membership, mirroring remove_sid.
func (r *Router) RemoveConn(username string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if username != "" {
		delete(r.presence[username], c.ID())
		if len(r.presence[username]) == 0 {
			delete(r.presence, username)
		}
	}
	for _, members := range r.rooms {
		delete(members, c.ID())
	}
}

// UserLeaveDM removes every connection of username from dmID's room,
// mirroring user_leave_dm.
func (r *Router) UserLeaveDM(username string, dmID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[dmRoom(dmID)]
	for id, c := range r.presence[username] {
		if members != nil {
			if cc, ok := members[id]; ok && cc == c {
				delete(members, id)
			}
		}
	}
}

func (r *Router) emit(room, event string, payload any, skip Conn) {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.rooms[room]))
	for id, c := range r.rooms[room] {
		if skip != nil && id == skip.ID() {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			r.logger.Warn().Err(err).Str("event", event).Str("room", room).Msg("notification delivery failed")
		}
	}
}

func (r *Router) emitUser(username, event string, payload any) {
	r.emit(userRoom(username), event, payload, nil)
}

// --- notification methods, one per original_source notifications.py function ---

// NotifyProfile broadcasts a profile update server-wide except to the
// originating connection, matching sio.emit(..., skip_sid=sid) with no
// `to=` (i.e. no specific room).
func (r *Router) NotifyProfile(skip Conn, user any) {
	r.mu.Lock()
	seen := make(map[string]Conn)
	for _, members := range r.presence {
		for id, c := range members {
			seen[id] = c
		}
	}
	r.mu.Unlock()

	for id, c := range seen {
		if skip != nil && id == skip.ID() {
			continue
		}
		if err := c.Send("profile_notification", user); err != nil {
			r.logger.Warn().Err(err).Msg("profile notification delivery failed")
		}
	}
}

func (r *Router) NotifyDM(dm any, dmID int64) {
	r.emit(dmRoom(dmID), "dm_notification", dm, nil)
}

// NotifyTyping fans out a typing indicator, throttled per-dm so a client
// hammering ping_typing cannot flood every other member's connection.
func (r *Router) NotifyTyping(skip Conn, username string, dmID int64) {
	if r.broadcastRate > 0 && !r.limiterFor(dmRoom(dmID)).Allow() {
		return
	}
	r.emit(dmRoom(dmID), "typing_notification", map[string]any{"id": dmID, "username": username}, skip)
}

func (r *Router) NotifyMessage(dmID int64, message any) {
	r.emit(dmRoom(dmID), "message_notification", message, nil)
}

func (r *Router) NotifyMessageChange(dmID int64, message any) {
	r.emit(dmRoom(dmID), "message_change_notification", message, nil)
}

func (r *Router) NotifyMessageDelete(dmID int64, payload any) {
	r.emit(dmRoom(dmID), "message_delete_notification", payload, nil)
}

func (r *Router) NotifySchedMessage(username string, dmID int64, scheduleID int64) {
	r.emitUser(username, "scheduled_message_sent_notification", map[string]any{"dm_id": dmID, "schedule_id": scheduleID})
}

func (r *Router) NotifySchedSoon(username string, dmID int64, scheduleID int64) {
	r.emitUser(username, "scheduled_soon_notification", map[string]any{"dm_id": dmID, "schedule_id": scheduleID})
}

func (r *Router) NotifyX3DH(username string, payload json.RawMessage) {
	r.emitUser(username, "x3dh_notification", payload)
}

func (r *Router) NotifyFriendRequest(sender, username string) {
	r.emitUser(username, "friend_request_notification", map[string]any{"username": sender})
}

func (r *Router) NotifyFriendAcceptRequest(sender, username string, accept bool) {
	r.emitUser(sender, "friend_request_accept_notification", map[string]any{"username": username, "accept": accept})
}

func (r *Router) NotifyFriendUnfriend(u1, u2 string) {
	r.emitUser(u2, "unfriend_notification", map[string]any{"username": u1})
	r.emitUser(u1, "unfriend_notification", map[string]any{"username": u2})
}
