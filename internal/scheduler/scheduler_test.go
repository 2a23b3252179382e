package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/store/memstore"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(e string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.events...)
}

func (n *recordingNotifier) NotifySchedSoon(string, int64, int64)    { n.record("sched_soon") }
func (n *recordingNotifier) NotifySchedMessage(string, int64, int64) { n.record("sched_sent") }
func (n *recordingNotifier) NotifyMessage(int64, any)                { n.record("message") }
func (n *recordingNotifier) NotifyMessageDelete(int64, any)          { n.record("message_delete") }

func TestScheduleFiresAndCreatesMessage(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))
	dmID, err := st.CreateDM(ctx, []string{"joe"}, []string{"01"})
	require.NoError(t, err)

	n := &recordingNotifier{}
	reg := New(clock.NewTaskSet(zerolog.Nop()), st, n, 60*time.Second)

	// scheduleSeconds < warnAt, so pre is clamped to 0 and no sched_soon fires.
	schedID := reg.Schedule(ctx, dmID, "joe", "hello", "01", 0, 0)
	require.Equal(t, int64(1), schedID)

	require.Eventually(t, func() bool {
		return len(n.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"sched_sent", "message"}, n.snapshot())

	msgs, err := st.GetMessages(ctx, dmID, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Message)
}

func TestScheduleIDsIncrementPerDMUser(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))
	dmID, err := st.CreateDM(ctx, []string{"joe"}, []string{"01"})
	require.NoError(t, err)

	n := &recordingNotifier{}
	reg := New(clock.NewTaskSet(zerolog.Nop()), st, n, 60*time.Second)

	first := reg.Schedule(ctx, dmID, "joe", "a", "01", 5, 0)
	second := reg.Schedule(ctx, dmID, "joe", "b", "01", 5, 0)
	require.Equal(t, int64(1), first)
	require.Equal(t, int64(2), second)

	entries := reg.List(dmID, "joe")
	require.Len(t, entries, 2)

	require.True(t, reg.Cancel(dmID, "joe", first))
	require.Len(t, reg.List(dmID, "joe"), 1)
	require.False(t, reg.Cancel(dmID, "joe", first), "cancelling twice must fail")
}

func TestCancelPreventsMessageCreation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.CreateUser(ctx, "joe", "01", "01", "01", ""))
	dmID, err := st.CreateDM(ctx, []string{"joe"}, []string{"01"})
	require.NoError(t, err)

	n := &recordingNotifier{}
	reg := New(clock.NewTaskSet(zerolog.Nop()), st, n, 60*time.Second)

	schedID := reg.Schedule(ctx, dmID, "joe", "hello", "01", 1, 0)
	require.True(t, reg.Cancel(dmID, "joe", schedID))

	time.Sleep(150 * time.Millisecond)
	require.Empty(t, n.snapshot())
	msgs, err := st.GetMessages(ctx, dmID, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
