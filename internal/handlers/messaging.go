package handlers

import (
	"context"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/cryptoutil"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/session"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

// requireDMFriendship enforces send_message/ping_typing's individual-dm
// precondition: a two-member dm's participants must be friends, since an
// individual dm is otherwise created only between friends but a
// subsequent unfriend shouldn't silently keep messaging open.
func requireDMFriendship(ctx context.Context, d *Dispatcher, dmID int64) error {
	dm, err := d.Store.GetDM(ctx, dmID)
	if err != nil {
		return apierr.New(apierr.Internal, err.Error())
	}
	if len(dm.Users) != 2 {
		return nil
	}
	friends, err := d.Store.GetOfStatus(ctx, dm.Users[0], store.StatusFriend)
	if err != nil {
		return apierr.New(apierr.Internal, err.Error())
	}
	for _, f := range friends {
		if f == dm.Users[1] {
			return nil
		}
	}
	return apierr.Forbidden("You need to be friends to send messages here.")
}

// handleSendMessage is grounded on send_message's schedule_handler closure:
// schedule == 0 sends immediately, schedule > 0 arms a scheduler entry that
// fires later; delete (self-destruct) can be combined with either.
func handleSendMessage(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	message, err := str(data, "message")
	if err != nil {
		return nil, err
	}
	sig, err := str(data, "signature")
	if err != nil {
		return nil, err
	}
	schedule, err := integer(data, "schedule")
	if err != nil {
		return nil, err
	}
	destruct, err := integer(data, "delete")
	if err != nil {
		return nil, err
	}
	if schedule < 0 || destruct < 0 {
		return nil, apierr.Validationf("Invalid data format.")
	}

	username := sess.Username()
	inDM, err := d.Store.UserInDM(ctx, username, int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that DM.")
	}
	if err := requireDMFriendship(ctx, d, int64(dmID)); err != nil {
		return nil, err
	}

	u, err := d.Store.GetUser(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	pub, err := hexKey(u.PublicKey)
	if err != nil {
		return nil, err
	}
	msgBytes, err := hexBytes(message)
	if err != nil {
		return nil, err
	}
	sigBytes, err := hexBytes(sig)
	if err != nil {
		return nil, err
	}
	if err := cryptoutil.Verify(pub, msgBytes, sigBytes); err != nil {
		return nil, apierr.Malformed()
	}

	if schedule > 0 {
		schedID := d.Scheduled.Schedule(ctx, int64(dmID), username, message, sig, schedule, destruct)
		return schedID, nil
	}

	m, err := d.Store.CreateMessage(ctx, int64(dmID), username, message, sig, destruct)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if d.Metrics != nil {
		d.Metrics.RecordMessageSent()
	}
	d.Router.NotifyMessage(int64(dmID), m)
	if destruct > 0 {
		d.Scheduled.ScheduleSelfDestruct(ctx, int64(dmID), m.ID, destruct)
	}
	return m.ID, nil
}

func handleCancelScheduledMessage(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "dm_id")
	if err != nil {
		return nil, err
	}
	schedID, err := integer(data, "schedule_id")
	if err != nil {
		return nil, err
	}
	ok := d.Scheduled.Cancel(int64(dmID), sess.Username(), int64(schedID))
	if !ok {
		return nil, apierr.Validationf("No such scheduled message.")
	}
	if d.Metrics != nil {
		d.Metrics.RecordScheduledCanceled()
	}
	return true, nil
}

func handleGetMessage(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	messageID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	inDM, err := d.Store.MessageInUserDM(ctx, int64(messageID), sess.Username())
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that Message.")
	}
	m, err := d.Store.GetMessage(ctx, int64(messageID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return m, nil
}

func handleGetMessageHistory(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	cursorStr, err := str(data, "cursor")
	if err != nil {
		return nil, err
	}
	count, err := integer(data, "limit")
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > 100 {
		return nil, apierr.Validationf("Invalid data format.")
	}
	inDM, err := d.Store.UserInDM(ctx, sess.Username(), int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that DM.")
	}
	cursor, err := parseCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	messages, err := d.Store.GetMessages(ctx, int64(dmID), cursor, count)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return messages, nil
}

func handleGetPinned(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	inDM, err := d.Store.UserInDM(ctx, sess.Username(), int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that DM.")
	}
	messages, err := d.Store.GetPinnedMessages(ctx, int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return messages, nil
}

func handleSetMessage(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	messageID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	username := sess.Username()
	inDM, err := d.Store.MessageInUserDM(ctx, int64(messageID), username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that message.")
	}
	m, err := d.Store.GetMessage(ctx, int64(messageID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	var props store.MessageProps
	if v, ok := data["pinned"]; ok {
		pinned, ok := v.(bool)
		if !ok {
			return nil, apierr.Validationf("Invalid data format.")
		}
		props.Pinned = &pinned
	}
	if v, ok := data["message"]; ok {
		if m.Sender != username {
			return nil, apierr.Forbidden("You can only edit your own messages.")
		}
		msg, ok := v.(string)
		if !ok {
			return nil, apierr.Validationf("Invalid data format.")
		}
		sig, err := str(data, "signature")
		if err != nil {
			return nil, err
		}

		u, err := d.Store.GetUser(ctx, username)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err.Error())
		}
		pub, err := hexKey(u.PublicKey)
		if err != nil {
			return nil, err
		}
		msgBytes, err := hexBytes(msg)
		if err != nil {
			return nil, err
		}
		sigBytes, err := hexBytes(sig)
		if err != nil {
			return nil, err
		}
		if err := cryptoutil.Verify(pub, msgBytes, sigBytes); err != nil {
			return nil, apierr.Malformed()
		}

		props.Message = &msg
		props.Signature = &sig
	}

	if err := d.Store.SetMessageProps(ctx, int64(messageID), props); err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	updated, err := d.Store.GetMessage(ctx, int64(messageID))
	if err == nil {
		d.Router.NotifyMessageChange(m.DMID, updated)
	}
	return true, nil
}

func handleAddReaction(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	messageID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	reaction, err := str(data, "reaction")
	if err != nil {
		return nil, err
	}
	sig, err := str(data, "signature")
	if err != nil {
		return nil, err
	}
	username := sess.Username()
	inDM, err := d.Store.MessageInUserDM(ctx, int64(messageID), username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that message.")
	}

	u, err := d.Store.GetUser(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	pub, err := hexKey(u.PublicKey)
	if err != nil {
		return nil, err
	}
	reactionBytes, err := hexBytes(reaction)
	if err != nil {
		return nil, err
	}
	sigBytes, err := hexBytes(sig)
	if err != nil {
		return nil, err
	}
	if err := cryptoutil.Verify(pub, reactionBytes, sigBytes); err != nil {
		return nil, apierr.Malformed()
	}

	reactionID, err := d.Store.CreateReaction(ctx, int64(messageID), username, reaction, sig)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	m, err := d.Store.GetMessage(ctx, int64(messageID))
	if err == nil {
		d.Router.NotifyMessageChange(m.DMID, m)
	}
	return reactionID, nil
}

func handleRemoveReaction(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	reactionID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	r, err := d.Store.GetReaction(ctx, int64(reactionID))
	if err == store.ErrNotFound {
		return nil, apierr.Forbidden("You do not have access to that reaction.")
	}
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if r.Sender != sess.Username() {
		return nil, apierr.Forbidden("You do not have access to that reaction.")
	}
	messageID, err := d.Store.DeleteReaction(ctx, int64(reactionID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	m, err := d.Store.GetMessage(ctx, messageID)
	if err == nil {
		d.Router.NotifyMessageChange(m.DMID, m)
	}
	return true, nil
}

func handlePingTyping(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	inDM, err := d.Store.UserInDM(ctx, sess.Username(), int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that DM.")
	}
	if err := requireDMFriendship(ctx, d, int64(dmID)); err != nil {
		return nil, err
	}
	d.Router.NotifyTyping(conn, sess.Username(), int64(dmID))
	return true, nil
}
