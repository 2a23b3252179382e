// Package memstore is a mutex-guarded in-process implementation of
// store.Store, mirroring the original's in-memory SQLite default: one
// connection, one global lock taken for the duration of each call, used as
// the server's zero-dependency default and the one the test suite drives
// directly.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

type relationKey struct {
	From, To string
}

type Store struct {
	mu sync.Mutex

	nextUserID     int64
	nextDMID       int64
	nextMessageID  int64
	nextReactionID int64

	usersByName map[string]*userRow
	dms         map[int64]*dmRow
	messages    map[int64]*messageRow
	reactions   map[int64]*reactionRow
	relations   map[relationKey]store.RelationStatus
}

type userRow struct {
	store.User
}

type dmRow struct {
	id         int64
	users      map[string]struct{}
	publicKeys []string
	name       string
	createdAt  time.Time
}

type messageRow struct {
	store.Message
}

type reactionRow struct {
	store.Reaction
}

func New() *Store {
	return &Store{
		usersByName: make(map[string]*userRow),
		dms:         make(map[int64]*dmRow),
		messages:    make(map[int64]*messageRow),
		reactions:   make(map[int64]*reactionRow),
		relations:   make(map[relationKey]store.RelationStatus),
	}
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, username, publicKey, spk, sig, ownStorage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; ok {
		return fmt.Errorf("user %q already exists", username)
	}
	s.nextUserID++
	s.usersByName[username] = &userRow{store.User{
		ID:          s.nextUserID,
		Username:    username,
		PublicKey:   publicKey,
		SPK:         spk,
		Sig:         sig,
		Status:      "online",
		OwnStorage:  ownStorage,
		XDHRequests: []json.RawMessage{},
	}}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByName[username]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return cloneUser(u.User), nil
}

func (s *Store) GetUserList(ctx context.Context) ([]store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.User, 0, len(s.usersByName))
	for _, u := range s.usersByName {
		c := cloneUser(u.User)
		c.OwnStorage = ""
		c.XDHRequests = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetUserProps(ctx context.Context, username string, props store.UserProps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	if props.SPK != nil {
		u.SPK = *props.SPK
	}
	if props.Sig != nil {
		u.Sig = *props.Sig
	}
	if props.Status != nil {
		u.Status = *props.Status
	}
	if props.Biography != nil {
		u.Biography = *props.Biography
	}
	if props.ProfilePicture != nil {
		u.ProfilePicture = *props.ProfilePicture
	}
	if props.OwnStorage != nil {
		u.OwnStorage = *props.OwnStorage
	}
	return nil
}

func cloneUser(u store.User) store.User {
	xdh := make([]json.RawMessage, len(u.XDHRequests))
	copy(xdh, u.XDHRequests)
	u.XDHRequests = xdh
	return u
}

// --- dms ---

func (s *Store) CreateDM(ctx context.Context, usernames, publicKeys []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range usernames {
		if _, ok := s.usersByName[u]; !ok {
			return 0, fmt.Errorf("user %q does not exist", u)
		}
	}
	s.nextDMID++
	users := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		users[u] = struct{}{}
	}
	pk := make([]string, len(publicKeys))
	copy(pk, publicKeys)
	s.dms[s.nextDMID] = &dmRow{
		id:         s.nextDMID,
		users:      users,
		publicKeys: pk,
		createdAt:  clock.Now(),
	}
	return s.nextDMID, nil
}

func (s *Store) GetDM(ctx context.Context, dmID int64) (store.DM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[dmID]
	if !ok {
		return store.DM{}, store.ErrNotFound
	}
	out := store.DM{
		ID:         d.id,
		Users:      sortedKeys(d.users),
		PublicKeys: append([]string{}, d.publicKeys...),
		Name:       d.name,
		CreatedAt:  d.createdAt,
	}
	out.LatestMessage = s.latestMessageLocked(dmID)
	return out, nil
}

func (s *Store) latestMessageLocked(dmID int64) *store.Message {
	var latest *messageRow
	for _, m := range s.messages {
		if m.DMID != dmID {
			continue
		}
		if latest == nil || m.Timestamp.After(latest.Timestamp) || (m.Timestamp.Equal(latest.Timestamp) && m.ID > latest.ID) {
			latest = m
		}
	}
	if latest == nil {
		return nil
	}
	msg := latest.Message
	msg.Reactions = s.reactionsForMessageLocked(msg.ID)
	return &msg
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) GetUserDMs(ctx context.Context, username string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, d := range s.dms {
		if _, ok := d.users[username]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) SetDMProps(ctx context.Context, dmID int64, props store.DMProps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[dmID]
	if !ok {
		return store.ErrNotFound
	}
	if props.Name != nil {
		d.name = *props.Name
	}
	return nil
}

func (s *Store) LeaveDM(ctx context.Context, dmID int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[dmID]
	if !ok {
		return store.ErrNotFound
	}
	delete(d.users, username)
	return nil
}

// --- messages ---

func (s *Store) CreateMessage(ctx context.Context, dmID int64, username, message, sig string, destructSeconds int) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; !ok {
		return store.Message{}, fmt.Errorf("user %q does not exist", username)
	}
	s.nextMessageID++
	m := store.Message{
		ID:        s.nextMessageID,
		DMID:      dmID,
		Sender:    username,
		Message:   message,
		Signature: sig,
		Timestamp: clock.Now(),
		Reactions: []store.Reaction{},
	}
	if destructSeconds > 0 {
		t := clock.NowDelta(time.Duration(destructSeconds) * time.Second)
		m.DeleteTimestamp = &t
	}
	s.messages[m.ID] = &messageRow{m}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	out := m.Message
	out.Reactions = s.reactionsForMessageLocked(messageID)
	return out, nil
}

func (s *Store) GetMessages(ctx context.Context, dmID int64, cursor time.Time, count int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*messageRow
	for _, m := range s.messages {
		if m.DMID == dmID && m.Timestamp.Before(cursor) {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	if len(rows) > count {
		rows = rows[:count]
	}
	out := make([]store.Message, 0, len(rows))
	for _, m := range rows {
		msg := m.Message
		msg.Reactions = s.reactionsForMessageLocked(msg.ID)
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) GetPinnedMessages(ctx context.Context, dmID int64) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*messageRow
	for _, m := range s.messages {
		if m.DMID == dmID && m.Pinned {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	out := make([]store.Message, 0, len(rows))
	for _, m := range rows {
		msg := m.Message
		msg.Reactions = s.reactionsForMessageLocked(msg.ID)
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) SetMessageProps(ctx context.Context, messageID int64, props store.MessageProps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if props.Message != nil {
		m.Message = *props.Message
	}
	if props.Signature != nil {
		m.Signature = *props.Signature
	}
	if props.Pinned != nil {
		m.Pinned = *props.Pinned
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return store.ErrNotFound
	}
	for id, r := range s.reactions {
		if r.MessageID == messageID {
			delete(s.reactions, id)
		}
	}
	delete(s.messages, messageID)
	return nil
}

// --- reactions ---

func (s *Store) CreateReaction(ctx context.Context, messageID int64, username, reaction, sig string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; !ok {
		return 0, fmt.Errorf("user %q does not exist", username)
	}
	s.nextReactionID++
	s.reactions[s.nextReactionID] = &reactionRow{store.Reaction{
		ID:        s.nextReactionID,
		MessageID: messageID,
		Sender:    username,
		Reaction:  reaction,
		Signature: sig,
	}}
	return s.nextReactionID, nil
}

func (s *Store) GetReaction(ctx context.Context, reactionID int64) (store.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reactions[reactionID]
	if !ok {
		return store.Reaction{}, store.ErrNotFound
	}
	return r.Reaction, nil
}

func (s *Store) GetReactions(ctx context.Context, messageID int64) ([]store.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactionsForMessageLocked(messageID), nil
}

func (s *Store) reactionsForMessageLocked(messageID int64) []store.Reaction {
	out := []store.Reaction{}
	var ids []int64
	for id, r := range s.reactions {
		if r.MessageID == messageID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, s.reactions[id].Reaction)
	}
	return out
}

func (s *Store) DeleteReaction(ctx context.Context, reactionID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reactions[reactionID]
	if !ok {
		return 0, store.ErrNotFound
	}
	delete(s.reactions, reactionID)
	return r.MessageID, nil
}

// --- relations ---

func (s *Store) CreateRelation(ctx context.Context, from, to string, status store.RelationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from == to {
		return fmt.Errorf("from_user and to_user must differ")
	}
	s.relations[relationKey{from, to}] = status
	return nil
}

func (s *Store) SetRelationProps(ctx context.Context, from, to string, status store.RelationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relationKey{from, to}
	if _, ok := s.relations[key]; !ok {
		return store.ErrNotFound
	}
	s.relations[key] = status
	return nil
}

func (s *Store) DeleteRelation(ctx context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relationKey{from, to}
	if _, ok := s.relations[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.relations, key)
	return nil
}

func (s *Store) IsRelation(ctx context.Context, from, to string, status store.RelationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.relations[relationKey{from, to}]
	return ok && st == status, nil
}

func (s *Store) GetOutgoingOfStatus(ctx context.Context, username string, status store.RelationStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, st := range s.relations {
		if k.From == username && st == status {
			out = append(out, k.To)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetIncomingOfStatus(ctx context.Context, username string, status store.RelationStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, st := range s.relations {
		if k.To == username && st == status {
			out = append(out, k.From)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetOfStatus unions outgoing and incoming edges of the given status,
// matching database.py's get_of_status bidirectional join.
func (s *Store) GetOfStatus(ctx context.Context, username string, status store.RelationStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k, st := range s.relations {
		if st != status {
			continue
		}
		if k.From == username {
			seen[k.To] = struct{}{}
		}
		if k.To == username {
			seen[k.From] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// --- x3dh ---

func (s *Store) AppendX3DH(ctx context.Context, username string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	u.XDHRequests = append(u.XDHRequests, payload)
	return nil
}

func (s *Store) GetAndClearX3DH(ctx context.Context, username string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByName[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := u.XDHRequests
	u.XDHRequests = []json.RawMessage{}
	return out, nil
}

// --- existence checks ---

func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.usersByName[username]
	return ok, nil
}

func (s *Store) DMExists(ctx context.Context, dmID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dms[dmID]
	return ok, nil
}

// DMUsersExists reports whether usernames, as an exact set, matches an
// existing dm's membership exactly (matching database.py's
// dm_users_exists set-equality check).
func (s *Store) DMUsersExists(ctx context.Context, usernames []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		want[u] = struct{}{}
	}
	for _, d := range s.dms {
		if setsEqual(want, d.users) {
			return true, nil
		}
	}
	return false, nil
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (s *Store) UserInDM(ctx context.Context, username string, dmID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[dmID]
	if !ok {
		return false, nil
	}
	_, in := d.users[username]
	return in, nil
}

func (s *Store) MessageInUserDM(ctx context.Context, messageID int64, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, nil
	}
	d, ok := s.dms[m.DMID]
	if !ok {
		return false, nil
	}
	_, in := d.users[username]
	return in, nil
}

func (s *Store) MessageExists(ctx context.Context, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.messages[messageID]
	return ok, nil
}

func (s *Store) ReactionExists(ctx context.Context, reactionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reactions[reactionID]
	return ok, nil
}
