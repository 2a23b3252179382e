package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/store/memstore"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	event   string
	payload any
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{event, payload})
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.event
	}
	return out
}

func TestPresenceTracksOnlineState(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))

	r := New(st, clock.NewTaskSet(zerolog.Nop()), 5*time.Second, zerolog.Nop())
	require.False(t, r.IsOnline("joe"))

	c := &fakeConn{id: "conn-1"}
	require.NoError(t, r.LoginJoinRooms(ctx, "joe", c))
	require.True(t, r.IsOnline("joe"))

	r.RemoveConn("joe", c)
	require.False(t, r.IsOnline("joe"))
}

func TestOfflineX3DHReplaysAfterDelay(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))
	require.NoError(t, st.AppendX3DH(ctx, "joe", json.RawMessage(`{"sender":"smith"}`)))

	r := New(st, clock.NewTaskSet(zerolog.Nop()), 30*time.Millisecond, zerolog.Nop())
	c := &fakeConn{id: "conn-1"}
	require.NoError(t, r.LoginJoinRooms(ctx, "joe", c))

	require.Empty(t, c.events(), "replay must not be immediate")

	require.Eventually(t, func() bool {
		return len(c.events()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"x3dh_notification"}, c.events())
}

func TestNotifyDMFansOutToRoomOnly(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))
	require.NoError(t, st.CreateUser(ctx, "smith", "02", "01", "01", ""))
	dmID, err := st.CreateDM(ctx, []string{"joe", "smith"}, []string{"01"})
	require.NoError(t, err)

	r := New(st, clock.NewTaskSet(zerolog.Nop()), time.Second, zerolog.Nop())
	joeConn := &fakeConn{id: "joe-conn"}
	smithConn := &fakeConn{id: "smith-conn"}
	require.NoError(t, r.LoginJoinRooms(ctx, "joe", joeConn))
	require.NoError(t, r.LoginJoinRooms(ctx, "smith", smithConn))

	outsider := &fakeConn{id: "outsider-conn"}
	require.NoError(t, st.CreateUser(ctx, "bill", "03", "01", "01", ""))
	require.NoError(t, r.LoginJoinRooms(ctx, "bill", outsider))

	r.NotifyDM(map[string]any{"id": dmID}, dmID)

	require.Equal(t, []string{"dm_notification"}, joeConn.events())
	require.Equal(t, []string{"dm_notification"}, smithConn.events())
	require.Empty(t, outsider.events(), "users outside the dm must not receive its notifications")
}

func TestNotifyTypingThrottlesPerDM(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))
	require.NoError(t, st.CreateUser(ctx, "smith", "02", "01", "01", ""))
	dmID, err := st.CreateDM(ctx, []string{"joe", "smith"}, []string{"01", "02"})
	require.NoError(t, err)

	r := New(st, clock.NewTaskSet(zerolog.Nop()), time.Second, zerolog.Nop(), 1)
	smithConn := &fakeConn{id: "smith-conn"}
	require.NoError(t, r.LoginJoinRooms(ctx, "smith", smithConn))

	for i := 0; i < 5; i++ {
		r.NotifyTyping(nil, "joe", dmID)
	}

	require.Less(t, len(smithConn.events()), 5, "typing notifications must be throttled per dm")
}
