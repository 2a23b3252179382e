package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/unmanageable-talk/internal/store"
	"github.com/stretchr/testify/require"
)

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, "joe", "01", "01", "01", ""))
	err := s.CreateUser(ctx, "joe", "02", "02", "02", "")
	require.Error(t, err)

	// A failed create must not have mutated state (mirrors the atomic
	// wrapper around every store call).
	list, err := s.GetUserList(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "01", list[0].PublicKey)
}

func TestDMUsersExistsExactSetMatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, "joe", "01", "01", "01", ""))
	require.NoError(t, s.CreateUser(ctx, "smith", "02", "01", "01", ""))
	require.NoError(t, s.CreateUser(ctx, "bill", "03", "01", "01", ""))
	_, err := s.CreateDM(ctx, []string{"joe", "smith"}, []string{"0102"})
	require.NoError(t, err)

	ok, err := s.DMUsersExists(ctx, []string{"joe", "smith"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.DMUsersExists(ctx, []string{"smith", "joe"})
	require.NoError(t, err)
	require.True(t, ok, "set match must be order independent")

	ok, err = s.DMUsersExists(ctx, []string{"joe", "smith", "bill"})
	require.NoError(t, err)
	require.False(t, ok, "superset must not match")
}

func TestGetMessagesPaginationIsContiguous(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, "joe", "01", "01", "01", ""))
	dmID, err := s.CreateDM(ctx, []string{"joe"}, []string{"01"})
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var sent []store.Message
	for i := 0; i < 5; i++ {
		m, err := s.CreateMessage(ctx, dmID, "joe", "hi", "01", 0)
		require.NoError(t, err)
		m.Timestamp = base.Add(time.Duration(i) * time.Second)
		s.messages[m.ID].Timestamp = m.Timestamp
		sent = append(sent, m)
	}

	// Page 1: most recent 2.
	page1, err := s.GetMessages(ctx, dmID, base.Add(10*time.Second), 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.Equal(t, sent[4].ID, page1[0].ID)
	require.Equal(t, sent[3].ID, page1[1].ID)

	// Page 2, cursored just before the oldest message in page 1.
	cursor := page1[len(page1)-1].Timestamp
	page2, err := s.GetMessages(ctx, dmID, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.Equal(t, sent[2].ID, page2[0].ID)
	require.Equal(t, sent[1].ID, page2[1].ID)

	// Pages must not overlap and must be contiguous in timestamp order.
	require.True(t, page2[0].Timestamp.Before(page1[len(page1)-1].Timestamp))
}

func TestGetOfStatusIsBidirectional(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, "joe", "01", "01", "01", ""))
	require.NoError(t, s.CreateUser(ctx, "smith", "02", "01", "01", ""))
	require.NoError(t, s.CreateRelation(ctx, "joe", "smith", store.StatusFriend))

	fromJoe, err := s.GetOfStatus(ctx, "joe", store.StatusFriend)
	require.NoError(t, err)
	require.Equal(t, []string{"smith"}, fromJoe)

	fromSmith, err := s.GetOfStatus(ctx, "smith", store.StatusFriend)
	require.NoError(t, err)
	require.Equal(t, []string{"joe"}, fromSmith, "friend edge must be visible from both directions")
}

func TestCreateMessageSelfDestructSetsDeleteTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateUser(ctx, "joe", "01", "01", "01", ""))
	dmID, err := s.CreateDM(ctx, []string{"joe"}, []string{"01"})
	require.NoError(t, err)

	m, err := s.CreateMessage(ctx, dmID, "joe", "boom", "01", 30)
	require.NoError(t, err)
	require.NotNil(t, m.DeleteTimestamp)
	require.True(t, m.DeleteTimestamp.After(m.Timestamp))
}
