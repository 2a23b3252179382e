package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/unmanageable-talk/internal/callreg"
	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/handlers"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/scheduler"
	"github.com/adred-codev/unmanageable-talk/internal/social"
	"github.com/adred-codev/unmanageable-talk/internal/store/memstore"
)

// stubMetrics discards everything except the error types passed to
// RecordError, which the buffer-full and capacity tests below check.
type stubMetrics struct {
	errors []string
}

func (m *stubMetrics) IncrementConnections()                  {}
func (m *stubMetrics) DecrementConnections()                  {}
func (m *stubMetrics) RecordConnectionError()                 {}
func (m *stubMetrics) RecordConnectionDuration(time.Duration) {}
func (m *stubMetrics) GetActiveConnections() int64            { return 0 }
func (m *stubMetrics) IncrementMessagesReceived()              {}
func (m *stubMetrics) RecordMessageLatency(time.Duration)      {}
func (m *stubMetrics) RecordError(errorType string)            { m.errors = append(m.errors, errorType) }
func (m *stubMetrics) GetUptime() time.Duration                { return 0 }

func newTestServer(t *testing.T) (*Server, *stubMetrics) {
	t.Helper()
	st := memstore.New()
	logger := zerolog.Nop()
	tasks := clock.NewTaskSet(logger)
	r := router.New(st, tasks, 5*time.Millisecond, logger)
	calls := callreg.New()
	sched := scheduler.New(tasks, st, r, 10*time.Millisecond)
	sg := social.New(st)
	dispatcher := handlers.NewDispatcher(st, r, sg, calls, sched, logger, 10, 60*time.Second, 60*time.Second)
	m := &stubMetrics{}
	return NewServer(dispatcher, r, calls, m, logger, 0), m
}

func TestConnEnqueueDropsOnFullBuffer(t *testing.T) {
	s, m := newTestServer(t)
	c := &Conn{id: "t1", send: make(chan []byte, 1), server: s, logger: zerolog.Nop()}

	require.NoError(t, c.Send("ping", map[string]any{"a": 1}))
	err := c.Send("ping", map[string]any{"a": 2})
	require.Error(t, err)
	require.Contains(t, m.errors, "send_buffer_full")
}

func TestInboundFrameParsing(t *testing.T) {
	raw := []byte(`{"event":"login","id":"abc123","data":{"username":"alice"}}`)
	var in inbound
	require.NoError(t, json.Unmarshal(raw, &in))
	require.Equal(t, "login", in.Event)
	require.Equal(t, "abc123", in.ID)

	var data handlers.Data
	require.NoError(t, json.Unmarshal(in.Data, &data))
	require.Equal(t, "alice", data["username"])
}

func TestOutboundAckFrameShape(t *testing.T) {
	ack := handlers.Ack{Success: true, Result: "ok"}
	out := outbound{Event: "ack", ID: "xyz", Data: ack}
	b, err := json.Marshal(out)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(b), `"event":"ack"`))
	require.True(t, strings.Contains(string(b), `"id":"xyz"`))
	require.True(t, strings.Contains(string(b), `"success":true`))
}

func TestServeHTTPRejectsOverCapacity(t *testing.T) {
	s, m := newTestServer(t)
	s.maxConnections = 1
	s.count = 1

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, 503, rec.Code)
	require.Contains(t, m.errors, "connection_limit_reached")
}

func TestServerAnswersUsernameExistsOverRealSocket(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	frame := map[string]any{
		"event": "username_exists",
		"id":    "1",
		"data":  map[string]any{"username": "nobody-home"},
	}
	require.NoError(t, ws.WriteJSON(frame))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply struct {
		Event string `json:"event"`
		ID    string `json:"id"`
		Data  struct {
			Success bool `json:"success"`
			Result  bool `json:"result"`
		} `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, "ack", reply.Event)
	require.Equal(t, "1", reply.ID)
	require.True(t, reply.Data.Success)
	require.False(t, reply.Data.Result)
}
