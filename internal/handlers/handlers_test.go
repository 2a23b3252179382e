package handlers

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/unmanageable-talk/internal/apierr"
	"github.com/adred-codev/unmanageable-talk/internal/callreg"
	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/cryptoutil"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/scheduler"
	"github.com/adred-codev/unmanageable-talk/internal/session"
	"github.com/adred-codev/unmanageable-talk/internal/social"
	"github.com/adred-codev/unmanageable-talk/internal/store/memstore"
)

type fakeConn struct {
	id   string
	sent []string
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(event string, payload any) error {
	c.sent = append(c.sent, event)
	return nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	st := memstore.New()
	logger := zerolog.Nop()
	tasks := clock.NewTaskSet(logger)
	r := router.New(st, tasks, 5*time.Millisecond, logger)
	calls := callreg.New()
	sched := scheduler.New(tasks, st, r, 10*time.Millisecond)
	sg := social.New(st)
	return NewDispatcher(st, r, sg, calls, sched, logger, 10, 60*time.Second, 60*time.Second)
}

// registerAndLogin drives the full Ed25519 challenge-response flow for a
// fresh username, returning its authenticated session and connection.
func registerAndLogin(t *testing.T, d *Dispatcher, username string) (*session.Session, *fakeConn, ed25519.PrivateKey) {
	t.Helper()
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubHex := hex.EncodeToString(pub)

	spkPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	spkHex := hex.EncodeToString(spkPub)
	sig := ed25519.Sign(priv, spkPub)
	sigHex := hex.EncodeToString(sig)

	sess := session.New()
	conn := &fakeConn{id: "c-" + username}

	_, err = d.runGuarded(ctx, sess, conn, d.events["register"], Data{
		"username": username, "public_key": pubHex, "spk": spkHex, "sig": sigHex, "own_storage": "",
	})
	require.NoError(t, err)

	challengeHex, err := d.runGuarded(ctx, sess, conn, d.events["login"], Data{"username": username})
	require.NoError(t, err)

	var challenge [32]byte
	b, err := hex.DecodeString(challengeHex.(string))
	require.NoError(t, err)
	copy(challenge[:], b)

	h := sha512.Sum512(priv.Seed())
	s, err := new(edwards25519.Scalar).SetBytesWithClamping(h[:32])
	require.NoError(t, err)
	q, err := cryptoutil.Decompress(challenge)
	require.NoError(t, err)
	shared := new(edwards25519.Point).ScalarMult(s, q)
	var response [32]byte
	copy(response[:], shared.Bytes())

	_, err = d.runGuarded(ctx, sess, conn, d.events["login_challenge_response"], Data{
		"response": hex.EncodeToString(response[:]),
	})
	require.NoError(t, err)
	require.True(t, sess.LoggedIn())

	return sess, conn, priv
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	sess, _, _ := registerAndLogin(t, d, "alice")
	require.Equal(t, "alice", sess.Username())
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	d := newTestDispatcher(t)
	sess := session.New()
	conn := &fakeConn{id: "c1"}
	_, err := d.runGuarded(context.Background(), sess, conn, d.events["login"], Data{"username": "nobody"})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.Auth, apiErr.Kind)
}

func TestSendMessageRequiresDMMembership(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	sessA, connA, _ := registerAndLogin(t, d, "bob")
	_, _, _ = registerAndLogin(t, d, "carol")

	_, err := d.runGuarded(ctx, sessA, connA, d.events["send_message"], Data{
		"id": float64(999), "message": "hi", "signature": "ab", "schedule": float64(0), "delete": float64(0),
	})
	require.Error(t, err)
}

func TestCreateDMRequiresFriendshipForIndividualDM(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	sessA, connA, _ := registerAndLogin(t, d, "dave")
	registerAndLogin(t, d, "erin")

	_, err := d.runGuarded(ctx, sessA, connA, d.events["create_dm"], Data{
		"usernames": []any{"erin"},
		"messages":  x3dhMessages(t, d, "erin"),
		"key_tree":  randomKeyTree(t, 2),
	})
	require.Error(t, err)
}

// x3dhMessages builds the {spk, ek} bundle list create_dm expects, one
// entry per target username and in the same order, using each target's
// currently-registered spk and a freshly generated ephemeral key.
func x3dhMessages(t *testing.T, d *Dispatcher, usernames ...string) []any {
	t.Helper()
	out := make([]any, len(usernames))
	for i, username := range usernames {
		u, err := d.Store.GetUser(context.Background(), username)
		require.NoError(t, err)
		ek, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		out[i] = map[string]any{
			"spk": u.SPK,
			"ek":  hex.EncodeToString(ek),
		}
	}
	return out
}

// randomKeyTree returns n freshly generated compressed Edwards points,
// hex-encoded, standing in for a new dm's ratchet key material.
func randomKeyTree(t *testing.T, n int) []any {
	t.Helper()
	out := make([]any, n)
	for i := range out {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		out[i] = hex.EncodeToString(pub)
	}
	return out
}

func TestFriendRequestThenCreateDMAndSendMessage(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	sessA, connA, privA := registerAndLogin(t, d, "frank")
	sessB, connB, _ := registerAndLogin(t, d, "grace")

	_, err := d.runGuarded(ctx, sessA, connA, d.events["send_friend_request"], Data{"username": "grace"})
	require.NoError(t, err)

	_, err = d.runGuarded(ctx, sessB, connB, d.events["ack_friend_request"], Data{
		"username": "frank", "accept": true,
	})
	require.NoError(t, err)

	friendsOfFrank, err := d.runGuarded(ctx, sessA, connA, d.events["get_friends"], Data{})
	require.NoError(t, err)
	require.Contains(t, friendsOfFrank, "grace")

	dmIDAny, err := d.runGuarded(ctx, sessA, connA, d.events["create_dm"], Data{
		"usernames": []any{"grace"},
		"messages":  x3dhMessages(t, d, "grace"),
		"key_tree":  randomKeyTree(t, 2),
	})
	require.NoError(t, err)
	dmID := dmIDAny.(int64)

	messageHex := hex.EncodeToString([]byte("hello grace"))
	sig := ed25519.Sign(privA, []byte("hello grace"))
	_, err = d.runGuarded(ctx, sessA, connA, d.events["send_message"], Data{
		"id": float64(dmID), "message": messageHex, "signature": hex.EncodeToString(sig),
		"schedule": float64(0), "delete": float64(0),
	})
	require.NoError(t, err)

	cursor := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	historyAny, err := d.runGuarded(ctx, sessB, connB, d.events["get_message_history"], Data{
		"id": float64(dmID), "cursor": cursor, "limit": float64(10),
	})
	require.NoError(t, err)
	require.NotEmpty(t, historyAny)
}

func TestBlockUserPreventsFriendRequest(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	sessA, connA, _ := registerAndLogin(t, d, "henry")
	sessB, connB, _ := registerAndLogin(t, d, "iris")

	_, err := d.runGuarded(ctx, sessB, connB, d.events["block_user"], Data{"username": "henry"})
	require.NoError(t, err)

	_, err = d.runGuarded(ctx, sessA, connA, d.events["send_friend_request"], Data{"username": "iris"})
	require.Error(t, err)
}

func TestLoginFailLockoutSuffixesMessage(t *testing.T) {
	d := newTestDispatcher(t)
	sess := session.New()
	conn := &fakeConn{id: "c1"}
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = d.runGuarded(context.Background(), sess, conn, d.events["login"], Data{"username": "nobody"})
	}
	require.Error(t, lastErr)
	require.Contains(t, lastErr.Error(), "locked out")
	require.True(t, sess.InLockout(time.Now().UTC(), 60*time.Second))
}
