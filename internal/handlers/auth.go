package handlers

import (
	"context"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/cryptoutil"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/session"
	"github.com/adred-codev/unmanageable-talk/internal/store"
)

func userToMap(u store.User, excludeOwnStorage bool) map[string]any {
	m := map[string]any{
		"username":        u.Username,
		"public_key":      u.PublicKey,
		"spk":             u.SPK,
		"sig":             u.Sig,
		"status":          u.Status,
		"biography":       u.Biography,
		"profile_picture": u.ProfilePicture,
	}
	if !excludeOwnStorage {
		m["own_storage"] = u.OwnStorage
	}
	return m
}

func handleLogin(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	exists, err := d.Store.UserExists(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !exists {
		return nil, apierr.AuthErr("User does not exist.")
	}
	if sess.LoggedIn() {
		return nil, apierr.AuthErr("Already logged in.")
	}

	u, err := d.Store.GetUser(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	pub, err := hexKey(u.PublicKey)
	if err != nil {
		return nil, err
	}
	challenge, expected, err := cryptoutil.GenerateChallenge(pub)
	if err != nil {
		return nil, apierr.Malformed()
	}
	sess.BeginChallenge(username, expected)
	return hexEncode(challenge), nil
}

func handleLoginChallengeResponse(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	response, err := str(data, "response")
	if err != nil {
		return nil, err
	}
	expected, ok := sess.ConsumeChallenge()
	if !ok {
		return nil, apierr.AuthErr("Not expecting a challenge response right now.")
	}
	respBytes, err := hexKey(response)
	if err != nil {
		return nil, err
	}
	if respBytes != expected {
		return nil, apierr.AuthErr("Incorrect response.")
	}
	sess.CompleteLogin()
	username := sess.Username()
	if d.Metrics != nil {
		d.Metrics.RecordLoginSuccess()
	}

	if err := d.Router.LoginJoinRooms(ctx, username, conn); err != nil {
		d.Logger.Warn().Err(err).Str("username", username).Msg("login room join failed")
	}

	u, err := d.Store.GetUser(ctx, username)
	if err == nil && u.Status != "offline" {
		go d.Router.NotifyProfile(conn, userToMap(u, true))
	}
	return true, nil
}

func handleRegister(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	if sess.LoggedIn() {
		return nil, apierr.AuthErr("Already logged in.")
	}
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	exists, err := d.Store.UserExists(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if exists {
		return nil, apierr.Conflictf("Username already exists.")
	}

	pub, err := str(data, "public_key")
	if err != nil {
		return nil, err
	}
	pubKey, err := hexKey(pub)
	if err != nil {
		return nil, err
	}
	if _, err := cryptoutil.Decompress(pubKey); err != nil {
		return nil, apierr.Malformed()
	}

	spk, err := str(data, "spk")
	if err != nil {
		return nil, err
	}
	sig, err := str(data, "sig")
	if err != nil {
		return nil, err
	}
	sigBytes, err := hexBytes(sig)
	if err != nil {
		return nil, err
	}
	spkBytes, err := hexBytes(spk)
	if err != nil {
		return nil, err
	}
	if err := cryptoutil.Verify(pubKey, spkBytes, sigBytes); err != nil {
		return nil, apierr.Malformed()
	}
	spkKey, err := hexKey(spk)
	if err != nil {
		return nil, err
	}
	if _, err := cryptoutil.Decompress(spkKey); err != nil {
		return nil, apierr.Malformed()
	}

	ownStorage, err := str(data, "own_storage")
	if err != nil {
		return nil, err
	}

	if err := d.Store.CreateUser(ctx, username, pub, spk, sig, ownStorage); err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return true, nil
}

func handleUsernameExists(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	exists, err := d.Store.UserExists(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return exists, nil
}

func handleGetUser(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username, err := str(data, "username")
	if err != nil {
		return nil, err
	}
	exists, err := d.Store.UserExists(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	if !exists {
		return nil, apierr.AuthErr("User does not exist.")
	}
	u, err := d.Store.GetUser(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	profile := userToMap(u, true)
	if !d.Router.IsOnline(username) {
		profile["status"] = "offline"
	}
	return profile, nil
}

func handleGetFullUser(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username := sess.Username()
	u, err := d.Store.GetUser(ctx, username)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	return userToMap(u, false), nil
}

func handleGetUserList(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	users, err := d.Store.GetUserList(ctx)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	out := make([]map[string]any, len(users))
	for i, u := range users {
		out[i] = userToMap(u, true)
	}
	return out, nil
}

func handleSetUser(ctx context.Context, d *Dispatcher, sess *session.Session, conn router.Conn, data Data) (any, error) {
	username := sess.Username()

	allowed := []string{"spk", "sig", "status", "biography", "profile_picture", "own_storage"}
	parsed := Data{}
	for _, k := range allowed {
		if v, ok := data[k]; ok {
			parsed[k] = v
		}
	}
	if len(parsed) == 0 {
		return nil, apierr.Validationf("Invalid data format.")
	}

	var props store.UserProps
	if _, ok := parsed["spk"]; ok {
		u, err := d.Store.GetUser(ctx, username)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err.Error())
		}
		pub, err := hexKey(u.PublicKey)
		if err != nil {
			return nil, err
		}
		spk, err := str(parsed, "spk")
		if err != nil {
			return nil, err
		}
		sig, err := str(parsed, "sig")
		if err != nil {
			return nil, err
		}
		sigBytes, err := hexBytes(sig)
		if err != nil {
			return nil, err
		}
		spkBytes, err := hexBytes(spk)
		if err != nil {
			return nil, err
		}
		if err := cryptoutil.Verify(pub, spkBytes, sigBytes); err != nil {
			return nil, apierr.Malformed()
		}
		spkKey, err := hexKey(spk)
		if err != nil {
			return nil, err
		}
		if _, err := cryptoutil.Decompress(spkKey); err != nil {
			return nil, apierr.Malformed()
		}
		props.SPK = &spk
		props.Sig = &sig
	}
	if v, ok := parsed["biography"]; ok {
		bio, ok := v.(string)
		if !ok || len(bio) > 500 {
			return nil, apierr.Validationf("Invalid data format.")
		}
		props.Biography = &bio
	}
	if v, ok := parsed["own_storage"]; ok {
		os, ok := v.(string)
		if !ok {
			return nil, apierr.Validationf("Invalid data format.")
		}
		props.OwnStorage = &os
	}
	if v, ok := parsed["status"]; ok {
		st, ok := v.(string)
		if !ok {
			return nil, apierr.Validationf("Invalid data format.")
		}
		props.Status = &st
	}
	if v, ok := parsed["profile_picture"]; ok {
		pp, ok := v.(string)
		if !ok {
			return nil, apierr.Validationf("Invalid data format.")
		}
		props.ProfilePicture = &pp
	}

	if err := d.Store.SetUserProps(ctx, username, props); err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	u, err := d.Store.GetUser(ctx, username)
	if err == nil {
		go d.Router.NotifyProfile(conn, userToMap(u, true))
	}
	return true, nil
}

func hexEncode(b [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
