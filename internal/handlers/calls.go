package handlers

import (
	"context"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/session"
)

func handleJoinCall(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	uuid, err := str(data, "uuid")
	if err != nil {
		return nil, err
	}
	username := sess.Username()
	inDM, err := d.Store.UserInDM(ctx, username, int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that DM.")
	}
	members := d.Calls.Join(int64(dmID), username, uuid)
	d.Router.NotifyDM(map[string]any{"users_in_call": members}, int64(dmID))
	return true, nil
}

func handleLeaveCall(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	username := sess.Username()
	inDM, err := d.Store.UserInDM(ctx, username, int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !inDM {
		return nil, apierr.Forbidden("You do not have access to that DM.")
	}
	members, ok := d.Calls.Leave(int64(dmID), username)
	if !ok {
		return nil, apierr.Validationf("You are not part of the call.")
	}
	d.Router.NotifyDM(map[string]any{"users_in_call": members}, int64(dmID))
	return true, nil
}
