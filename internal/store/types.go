// Package store defines the persistence contract every handler talks to.
// Two implementations exist: memstore (mutex-guarded in-process map engine,
// the default) and pgstore (real SQL over jackc/pgx). Both satisfy Store.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// RelationStatus mirrors database.py's status_type literal union.
type RelationStatus string

const (
	StatusRequest RelationStatus = "request"
	StatusFriend  RelationStatus = "friend"
	StatusBlock   RelationStatus = "block"
)

type User struct {
	ID             int64
	Username       string
	PublicKey      string // hex, 32 bytes
	SPK            string // hex, 32 bytes, signed prekey
	Sig            string // hex, 64 bytes, sig(spk)
	Status         string
	Biography      string
	ProfilePicture string
	OwnStorage     string
	XDHRequests    []json.RawMessage
}

type DM struct {
	ID            int64     `json:"id"`
	Users         []string  `json:"users"`
	PublicKeys    []string  `json:"public_keys"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	LatestMessage *Message  `json:"latest_message"` // nil when the dm has no messages yet
}

type Message struct {
	ID              int64      `json:"id"`
	DMID            int64      `json:"dm_id"`
	Sender          string     `json:"sender"`
	Message         string     `json:"message"`
	Signature       string     `json:"signature"`
	Timestamp       time.Time  `json:"timestamp"`
	DeleteTimestamp *time.Time `json:"delete_timestamp,omitempty"`
	Pinned          bool       `json:"pinned"`
	Reactions       []Reaction `json:"reactions"`
}

type Reaction struct {
	ID        int64  `json:"id"`
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender"`
	Reaction  string `json:"reaction"`
	Signature string `json:"signature"`
}

// UserProps / DMProps / MessageProps are sparse partial updates, mirroring
// update_model_from_dict(obj, props) — only non-nil fields are applied.
type UserProps struct {
	SPK            *string
	Sig            *string
	Status         *string
	Biography      *string
	ProfilePicture *string
	OwnStorage     *string
}

type DMProps struct {
	Name *string
}

type MessageProps struct {
	Message   *string
	Signature *string
	Pinned    *bool
}

// ErrNotFound is returned by single-row lookups that find nothing so
// callers can tell "doesn't exist" apart from a real backend failure;
// the exists-check family of methods never returns it.
var ErrNotFound = notFoundErr{}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

// Store is the full persistence contract. Every method commits atomically;
// on error the caller must assume nothing was persisted.
type Store interface {
	CreateUser(ctx context.Context, username, publicKey, spk, sig, ownStorage string) error
	GetUser(ctx context.Context, username string) (User, error)
	GetUserList(ctx context.Context) ([]User, error)
	SetUserProps(ctx context.Context, username string, props UserProps) error

	CreateDM(ctx context.Context, usernames, publicKeys []string) (int64, error)
	GetDM(ctx context.Context, dmID int64) (DM, error)
	GetUserDMs(ctx context.Context, username string) ([]int64, error)
	SetDMProps(ctx context.Context, dmID int64, props DMProps) error
	LeaveDM(ctx context.Context, dmID int64, username string) error

	CreateMessage(ctx context.Context, dmID int64, username, message, sig string, destructSeconds int) (Message, error)
	GetMessage(ctx context.Context, messageID int64) (Message, error)
	GetMessages(ctx context.Context, dmID int64, cursor time.Time, count int) ([]Message, error)
	GetPinnedMessages(ctx context.Context, dmID int64) ([]Message, error)
	SetMessageProps(ctx context.Context, messageID int64, props MessageProps) error
	DeleteMessage(ctx context.Context, messageID int64) error

	CreateReaction(ctx context.Context, messageID int64, username, reaction, sig string) (int64, error)
	GetReaction(ctx context.Context, reactionID int64) (Reaction, error)
	GetReactions(ctx context.Context, messageID int64) ([]Reaction, error)
	DeleteReaction(ctx context.Context, reactionID int64) (int64, error) // returns message id

	CreateRelation(ctx context.Context, from, to string, status RelationStatus) error
	SetRelationProps(ctx context.Context, from, to string, status RelationStatus) error
	DeleteRelation(ctx context.Context, from, to string) error
	IsRelation(ctx context.Context, from, to string, status RelationStatus) (bool, error)
	GetOutgoingOfStatus(ctx context.Context, username string, status RelationStatus) ([]string, error)
	GetIncomingOfStatus(ctx context.Context, username string, status RelationStatus) ([]string, error)
	GetOfStatus(ctx context.Context, username string, status RelationStatus) ([]string, error)

	AppendX3DH(ctx context.Context, username string, payload json.RawMessage) error
	GetAndClearX3DH(ctx context.Context, username string) ([]json.RawMessage, error)

	UserExists(ctx context.Context, username string) (bool, error)
	DMExists(ctx context.Context, dmID int64) (bool, error)
	DMUsersExists(ctx context.Context, usernames []string) (bool, error)
	UserInDM(ctx context.Context, username string, dmID int64) (bool, error)
	MessageInUserDM(ctx context.Context, messageID int64, username string) (bool, error)
	MessageExists(ctx context.Context, messageID int64) (bool, error)
	ReactionExists(ctx context.Context, reactionID int64) (bool, error)
}
