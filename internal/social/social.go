// Package social implements the social graph transition rules: friend
// requests, acceptance, unfriending, and blocking. Grounded on
// original_source/backend/events.py's send_friend_request/
// ack_friend_request/unfriend/block_user/unblock_user handlers and
// utils.py's unfriend() helper.
//
// utils.py's unfriend() does a local import of the database module inside
// the function body specifically to dodge a circular import between
// utils and database. Go has no such problem, but the equivalent design
// decision — this package depends on store.Store via constructor
// injection rather than importing a concrete handlers package — is kept
// for the same reason: it lets social be imported by handlers without
// handlers needing to be imported back.
package social

import (
	"context"
	"errors"

	"github.com/adred-codev/unmanageable-talk/internal/store"
)

var ErrCannotFriendSelf = errors.New("cannot friend self")
var ErrCouldNotFriend = errors.New("could not friend that person")
var ErrAlreadyFriends = errors.New("already friends")
var ErrAlreadyRequested = errors.New("already sent a request")
var ErrAlreadyRequestedByThem = errors.New("that user already sent a request")
var ErrNoSuchRequest = errors.New("that user did not send a request")
var ErrNotFriends = errors.New("not friends with that user")
var ErrAlreadyBlocked = errors.New("already blocked")
var ErrNotBlocked = errors.New("not blocked")

type Graph struct {
	store store.Store
}

func New(st store.Store) *Graph {
	return &Graph{store: st}
}

// SendRequest creates a pending friend request from sender to username,
// unblocking sender's own block of username first if present (matching
// send_friend_request's "unblock if applicable" step — blocking the
// target doesn't stop you from later befriending them).
func (g *Graph) SendRequest(ctx context.Context, sender, username string) error {
	if sender == username {
		return ErrCannotFriendSelf
	}
	exists, err := g.store.UserExists(ctx, username)
	if err != nil {
		return err
	}
	blockedByThem, err := g.store.IsRelation(ctx, username, sender, store.StatusBlock)
	if err != nil {
		return err
	}
	if !exists || blockedByThem {
		return ErrCouldNotFriend
	}

	friends, err := g.store.GetOfStatus(ctx, sender, store.StatusFriend)
	if err != nil {
		return err
	}
	if contains(friends, username) {
		return ErrAlreadyFriends
	}

	if already, err := g.store.IsRelation(ctx, sender, username, store.StatusRequest); err != nil {
		return err
	} else if already {
		return ErrAlreadyRequested
	}
	if already, err := g.store.IsRelation(ctx, username, sender, store.StatusRequest); err != nil {
		return err
	} else if already {
		return ErrAlreadyRequestedByThem
	}

	if blockedByUs, err := g.store.IsRelation(ctx, sender, username, store.StatusBlock); err != nil {
		return err
	} else if blockedByUs {
		if err := g.store.DeleteRelation(ctx, sender, username); err != nil {
			return err
		}
	}
	return g.store.CreateRelation(ctx, sender, username, store.StatusRequest)
}

// AckRequest accepts or rejects an incoming request from sender to
// username.
func (g *Graph) AckRequest(ctx context.Context, username, sender string, accept bool) error {
	exists, err := g.store.UserExists(ctx, sender)
	if err != nil {
		return err
	}
	requested, err := g.store.IsRelation(ctx, sender, username, store.StatusRequest)
	if err != nil {
		return err
	}
	if !exists || !requested {
		return ErrNoSuchRequest
	}

	friends, err := g.store.GetOfStatus(ctx, sender, store.StatusFriend)
	if err != nil {
		return err
	}
	if contains(friends, username) {
		return ErrAlreadyFriends
	}

	if !accept {
		return g.store.DeleteRelation(ctx, sender, username)
	}

	if err := g.store.SetRelationProps(ctx, sender, username, store.StatusFriend); err != nil {
		return err
	}
	if blockedBack, err := g.store.IsRelation(ctx, username, sender, store.StatusBlock); err != nil {
		return err
	} else if blockedBack {
		return g.store.DeleteRelation(ctx, username, sender)
	}
	return nil
}

// Unfriend deletes whichever directional "friend" edge exists between the
// two users. Assumes the caller already verified they are friends.
func (g *Graph) Unfriend(ctx context.Context, u1, u2 string) error {
	isForward, err := g.store.IsRelation(ctx, u1, u2, store.StatusFriend)
	if err != nil {
		return err
	}
	if isForward {
		return g.store.DeleteRelation(ctx, u1, u2)
	}
	return g.store.DeleteRelation(ctx, u2, u1)
}

// UnfriendChecked is the full unfriend handler precondition plus action:
// verifies the users are actually friends before delegating to Unfriend.
func (g *Graph) UnfriendChecked(ctx context.Context, username, other string) error {
	exists, err := g.store.UserExists(ctx, other)
	if err != nil {
		return err
	}
	friends, err := g.store.GetOfStatus(ctx, username, store.StatusFriend)
	if err != nil {
		return err
	}
	if !exists || !contains(friends, other) {
		return ErrNotFriends
	}
	return g.Unfriend(ctx, username, other)
}

// Block creates a block edge from sender to username, automatically
// unfriending and retracting any outstanding request first.
//
// The existence check here is on sender, not username — an inherited quirk
// from block_user's original implementation, which checks the already-
// authenticated caller rather than the target. Kept for fidelity; it is
// harmless in practice since sender always exists (they're logged in).
func (g *Graph) Block(ctx context.Context, sender, username string) error {
	senderExists, err := g.store.UserExists(ctx, sender)
	if err != nil {
		return err
	}
	alreadyBlocked, err := g.store.IsRelation(ctx, sender, username, store.StatusBlock)
	if err != nil {
		return err
	}
	if !senderExists || alreadyBlocked {
		return ErrAlreadyBlocked
	}

	friends, err := g.store.GetOfStatus(ctx, sender, store.StatusFriend)
	if err != nil {
		return err
	}
	if contains(friends, username) {
		if err := g.Unfriend(ctx, sender, username); err != nil {
			return err
		}
	}

	if requested, err := g.store.IsRelation(ctx, sender, username, store.StatusRequest); err != nil {
		return err
	} else if requested {
		if err := g.store.DeleteRelation(ctx, sender, username); err != nil {
			return err
		}
	}

	return g.store.CreateRelation(ctx, sender, username, store.StatusBlock)
}

// Unblock removes sender's block of username. Checks sender's own
// existence rather than username's, matching unblock_user's inherited
// quirk (see Block).
func (g *Graph) Unblock(ctx context.Context, sender, username string) error {
	senderExists, err := g.store.UserExists(ctx, sender)
	if err != nil {
		return err
	}
	blocked, err := g.store.IsRelation(ctx, sender, username, store.StatusBlock)
	if err != nil {
		return err
	}
	if !senderExists || !blocked {
		return ErrNotBlocked
	}
	return g.store.DeleteRelation(ctx, sender, username)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
