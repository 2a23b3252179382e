package handlers

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/cryptoutil"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/session"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

// buildX3DHPayload builds the key-bundle notification one target member
// receives (or has queued) when a dm is created, mirroring create_dm's
// per-member x3dh dict: sender's identity key, the target's own signed
// prekey and ephemeral key echoed back, the full key tree, this member's
// position (0 is always the creator), and the new dm's id.
func buildX3DHPayload(sender, ik, spk, ek string, keyTree []string, position int, dmID int64) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"sender":   sender,
		"ik":       ik,
		"spk":      spk,
		"ek":       ek,
		"key_tree": keyTree,
		"position": position,
		"id":       dmID,
	})
}

func messageToMap(m store.Message) map[string]any {
	reactions := make([]map[string]any, len(m.Reactions))
	for i, r := range m.Reactions {
		reactions[i] = map[string]any{
			"id":        r.ID,
			"sender":    r.Sender,
			"reaction":  r.Reaction,
			"signature": r.Signature,
		}
	}
	out := map[string]any{
		"id":        m.ID,
		"dm_id":     m.DMID,
		"sender":    m.Sender,
		"message":   m.Message,
		"signature": m.Signature,
		"timestamp": m.Timestamp,
		"pinned":    m.Pinned,
		"reactions": reactions,
	}
	if m.DeleteTimestamp != nil {
		out["delete_timestamp"] = *m.DeleteTimestamp
	}
	return out
}

func dmToMap(dm store.DM) map[string]any {
	out := map[string]any{
		"id":          dm.ID,
		"users":       dm.Users,
		"public_keys": dm.PublicKeys,
		"name":        dm.Name,
		"created_at":  dm.CreatedAt,
	}
	if dm.LatestMessage != nil {
		out["latest_message"] = messageToMap(*dm.LatestMessage)
	} else {
		out["latest_message"] = nil
	}
	return out
}

// handleCreateDM is grounded on create_dm: usernames lists the dm's other
// members (the creator is never included), messages carries one {spk, ek}
// prekey bundle per target (in the same order as usernames), and key_tree
// is the full set of ratchet keys the group will use going forward.
func handleCreateDM(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	usernames, err := stringSlice(data, "usernames")
	if err != nil {
		return nil, err
	}
	rawMessages, err := objectSlice(data, "messages")
	if err != nil {
		return nil, err
	}
	keyTree, err := stringSlice(data, "key_tree")
	if err != nil {
		return nil, err
	}
	if len(usernames) != len(rawMessages) || len(usernames) == 0 {
		return nil, apierr.Validationf("Invalid data format.")
	}

	type targetBundle struct {
		spk, ek string
	}
	bundles := make([]targetBundle, len(rawMessages))
	for i, m := range rawMessages {
		spk, err := str(m, "spk")
		if err != nil {
			return nil, err
		}
		ek, err := str(m, "ek")
		if err != nil {
			return nil, err
		}
		bundles[i] = targetBundle{spk: spk, ek: ek}
	}

	me := sess.Username()

	for i, username := range usernames {
		exists, err := d.Store.UserExists(ctx, username)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err.Error())
		}
		if !exists {
			return nil, apierr.AuthErr("User does not exist.")
		}

		target, err := d.Store.GetUser(ctx, username)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err.Error())
		}
		if bundles[i].spk != target.SPK {
			return nil, apierr.Validationf("SPK does not match.")
		}

		ekKey, err := hexKey(bundles[i].ek)
		if err != nil {
			return nil, err
		}
		if _, err := cryptoutil.Decompress(ekKey); err != nil {
			return nil, apierr.Malformed()
		}
	}

	members := append([]string{me}, usernames...)

	if len(usernames) == 1 {
		exists, err := d.Store.DMUsersExists(ctx, members)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err.Error())
		}
		if exists {
			return nil, apierr.Validationf("DM with that user already exists.")
		}

		friends, err := d.Store.GetOfStatus(ctx, usernames[0], store.StatusFriend)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err.Error())
		}
		isFriend := false
		for _, f := range friends {
			if f == me {
				isFriend = true
			}
		}
		if !isFriend {
			return nil, apierr.Forbidden("You need to be friends to make that DM.")
		}
	}

	for _, k := range keyTree {
		kk, err := hexKey(k)
		if err != nil {
			return nil, err
		}
		if _, err := cryptoutil.Decompress(kk); err != nil {
			return nil, apierr.Malformed()
		}
	}

	dmID, err := d.Store.CreateDM(ctx, members, keyTree)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	if err := d.Router.JoinNewDM(ctx, dmID); err != nil {
		d.Logger.Warn().Err(err).Int64("dm_id", dmID).Msg("join new dm failed")
	}

	sender, err := d.Store.GetUser(ctx, me)
	if err == nil {
		for i, username := range usernames {
			payload, err := buildX3DHPayload(me, sender.PublicKey, bundles[i].spk, bundles[i].ek, keyTree, i+1, dmID)
			if err != nil {
				continue
			}
			if d.Router.IsOnline(username) {
				d.Router.NotifyX3DH(username, payload)
			} else {
				_ = d.Store.AppendX3DH(ctx, username, payload)
			}
		}
	}

	return dmID, nil
}

func handleGetDMs(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dms, err := d.Store.GetUserDMs(ctx, sess.Username())
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	sort.Slice(dms, func(i, j int) bool { return dms[i] < dms[j] })
	return dms, nil
}

func handleGetDM(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
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
	dm, err := d.Store.GetDM(ctx, int64(dmID))
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	out := dmToMap(dm)
	out["users_in_call"] = d.Calls.Snapshot(int64(dmID))
	out["scheduled_messages"] = d.Scheduled.List(int64(dmID), sess.Username())
	return out, nil
}

func handleSetDM(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	dmID, err := integer(data, "id")
	if err != nil {
		return nil, err
	}
	name, err := str(data, "name")
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
	if err := d.Store.SetDMProps(ctx, int64(dmID), store.DMProps{Name: &name}); err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	dm, err := d.Store.GetDM(ctx, int64(dmID))
	if err == nil {
		d.Router.NotifyDM(dmToMap(dm), int64(dmID))
	}
	return true, nil
}

func handleLeaveDM(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
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
	if err := d.Store.LeaveDM(ctx, int64(dmID), username); err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	d.Router.UserLeaveDM(username, int64(dmID))
	for _, id := range d.Calls.LeaveAll(username) {
		if id == int64(dmID) {
			d.Router.NotifyDM(map[string]any{"users_in_call": d.Calls.Snapshot(id)}, id)
		}
	}
	dm, err := d.Store.GetDM(ctx, int64(dmID))
	if err == nil {
		d.Router.NotifyDM(dmToMap(dm), int64(dmID))
	}
	return true, nil
}
