package social

import (
	"context"
	"testing"

	"github.com/adred-codev/unmanageable-talk/internal/store"
	"github.com/adred-codev/unmanageable-talk/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

func setupUsers(t *testing.T, st *memstore.Store, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, st.CreateUser(context.Background(), n, "01", "01", "01", ""))
	}
}

func TestSendAndAcceptFriendRequest(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	setupUsers(t, st, "joe", "smith")
	g := New(st)

	require.NoError(t, g.SendRequest(ctx, "joe", "smith"))
	require.ErrorIs(t, g.SendRequest(ctx, "joe", "smith"), ErrAlreadyRequested)
	require.ErrorIs(t, g.SendRequest(ctx, "smith", "joe"), ErrAlreadyRequestedByThem)

	require.NoError(t, g.AckRequest(ctx, "smith", "joe", true))

	friends, err := st.GetOfStatus(ctx, "joe", store.StatusFriend)
	require.NoError(t, err)
	require.Equal(t, []string{"smith"}, friends)
}

func TestBlockPreventsFriendRequest(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	setupUsers(t, st, "joe", "smith")
	g := New(st)

	require.NoError(t, g.Block(ctx, "smith", "joe"))
	require.ErrorIs(t, g.SendRequest(ctx, "joe", "smith"), ErrCouldNotFriend)
}

func TestUnfriendRemovesEitherDirectionalEdge(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	setupUsers(t, st, "joe", "smith")
	g := New(st)
	require.NoError(t, g.SendRequest(ctx, "joe", "smith"))
	require.NoError(t, g.AckRequest(ctx, "smith", "joe", true))

	require.NoError(t, g.UnfriendChecked(ctx, "smith", "joe"))

	friends, err := st.GetOfStatus(ctx, "joe", store.StatusFriend)
	require.NoError(t, err)
	require.Empty(t, friends)
}

func TestBlockAutoUnfriends(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	setupUsers(t, st, "joe", "smith")
	g := New(st)
	require.NoError(t, g.SendRequest(ctx, "joe", "smith"))
	require.NoError(t, g.AckRequest(ctx, "smith", "joe", true))

	require.NoError(t, g.Block(ctx, "joe", "smith"))

	friends, err := st.GetOfStatus(ctx, "joe", store.StatusFriend)
	require.NoError(t, err)
	require.Empty(t, friends, "blocking a friend must unfriend them first")

	isBlocked, err := st.IsRelation(ctx, "joe", "smith", store.StatusBlock)
	require.NoError(t, err)
	require.True(t, isBlocked)
}
