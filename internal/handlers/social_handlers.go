package handlers

import (
	"context"
	"errors"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/session"
	"github.com/adred-codev/unmanageable-talk/internal/social"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

// socialErr maps a social.Graph sentinel error to the user-facing validation
// message events.py returns for the same condition.
func socialErr(err error) error {
	switch {
	case errors.Is(err, social.ErrCannotFriendSelf):
		return apierr.Validationf("You cannot friend yourself.")
	case errors.Is(err, social.ErrCouldNotFriend):
		return apierr.Validationf("Could not send a friend request to that user.")
	case errors.Is(err, social.ErrAlreadyFriends):
		return apierr.Validationf("Already friends with that user.")
	case errors.Is(err, social.ErrAlreadyRequested):
		return apierr.Validationf("Already sent a request to that user.")
	case errors.Is(err, social.ErrAlreadyRequestedByThem):
		return apierr.Validationf("That user already sent you a request.")
	case errors.Is(err, social.ErrNoSuchRequest):
		return apierr.Validationf("No such friend request.")
	case errors.Is(err, social.ErrNotFriends):
		return apierr.Validationf("Not friends with that user.")
	case errors.Is(err, social.ErrAlreadyBlocked):
		return apierr.Validationf("Already blocked.")
	case errors.Is(err, social.ErrNotBlocked):
		return apierr.Validationf("Not blocked.")
	default:
		return apierr.New(apierr.Internal, err.Error())
	}
}

func handleSendFriendRequest(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	me := sess.Username()
	if err := d.Social.SendRequest(ctx, me, username); err != nil {
		return nil, socialErr(err)
	}
	if d.Metrics != nil {
		d.Metrics.RecordFriendRequest()
	}
	d.Router.NotifyFriendRequest(me, username)
	return true, nil
}

func handleGetFriendRequests(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	requests, err := d.Store.GetIncomingOfStatus(ctx, sess.Username(), store.StatusRequest)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return requests, nil
}

func handleGetOutgoingRequests(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	requests, err := d.Store.GetOutgoingOfStatus(ctx, sess.Username(), store.StatusRequest)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return requests, nil
}

func handleAckFriendRequest(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	sender, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	accept, err := boolean(data, "accept")
	if err != nil {
		return nil, err
	}
	me := sess.Username()
	if err := d.Social.AckRequest(ctx, me, sender, accept); err != nil {
		return nil, socialErr(err)
	}
	d.Router.NotifyFriendAcceptRequest(sender, me, accept)
	return true, nil
}

func handleUnfriend(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	other, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	me := sess.Username()
	if err := d.Social.UnfriendChecked(ctx, me, other); err != nil {
		return nil, socialErr(err)
	}
	d.Router.NotifyFriendUnfriend(me, other)
	return true, nil
}

func handleGetFriends(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	friends, err := d.Store.GetOfStatus(ctx, sess.Username(), store.StatusFriend)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return friends, nil
}

func handleBlockUser(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	me := sess.Username()
	wasFriend, _ := d.Store.IsRelation(ctx, me, username, store.StatusFriend)
	if !wasFriend {
		wasFriend, _ = d.Store.IsRelation(ctx, username, me, store.StatusFriend)
	}
	if err := d.Social.Block(ctx, me, username); err != nil {
		return nil, socialErr(err)
	}
	if wasFriend {
		d.Router.NotifyFriendUnfriend(me, username)
	}
	return true, nil
}

func handleUnblockUser(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	if err := d.Social.Unblock(ctx, sess.Username(), username); err != nil {
		return nil, socialErr(err)
	}
	return true, nil
}

func handleGetBlocked(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	blocked, err := d.Store.GetOutgoingOfStatus(ctx, sess.Username(), store.StatusBlock)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return blocked, nil
}
