// Package transport is the websocket edge: it upgrades incoming HTTP
// connections, frames the `{"event": string, "id": string, "data": object}`
// wire format described in SPEC_FULL.md section 6 (each reply is an
// `{"event": "ack", "id": <same id>, "data": {"success", "result"}}`
// frame), and drives each connection's
// read/write pumps. Grounded on pkg/websocket/client.go's gorilla/websocket
// upgrade-and-pump pattern, generalized from one fixed price-feed message
// shape into the event dispatch table internal/handlers owns, and on
// app.py's connect/disconnect handlers for per-connection lifecycle.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/unmanageable-talk/internal/callreg"
	"github.com/adred-codev/unmanageable-talk/internal/handlers"
	"github.com/adred-codev/unmanageable-talk/internal/metrics"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB: own_storage/x3dh payloads can be large
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound is one client->server frame.
type inbound struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

// outbound is either a fire-and-forget push (NotifyX, ping/pong) or an ack
// reply to an inbound frame, correlated by ID when present.
type outbound struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}

// Server owns the upgrade endpoint and every live connection's metrics.
type Server struct {
	dispatcher *handlers.Dispatcher
	router     *router.Router
	calls      *callreg.Registry
	metrics    metrics.MetricsInterface
	logger     zerolog.Logger

	maxConnections int

	mu    sync.Mutex
	count int
}

func NewServer(d *handlers.Dispatcher, r *router.Router, calls *callreg.Registry, m metrics.MetricsInterface, logger zerolog.Logger, maxConnections int) *Server {
	return &Server{dispatcher: d, router: r, calls: calls, metrics: m, logger: logger, maxConnections: maxConnections}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.maxConnections > 0 && s.count >= s.maxConnections {
		s.mu.Unlock()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		s.metrics.RecordError("connection_limit_reached")
		return
	}
	s.count++
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mu.Lock()
		s.count--
		s.mu.Unlock()
		s.metrics.RecordError("websocket_upgrade")
		return
	}

	c := newConn(conn, s)
	s.metrics.IncrementConnections()
	c.run()
}

// Conn is one live websocket connection. It implements router.Conn.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	server  *Server
	session *session.Session
	logger  zerolog.Logger
}

func newConn(ws *websocket.Conn, s *Server) *Conn {
	return &Conn{
		id:      generateID(),
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		server:  s,
		session: session.New(),
		logger:  s.logger,
	}
}

func (c *Conn) ID() string { return c.id }

// Send pushes a server->client notification, matching notifications.py's
// sio.emit. Non-blocking: a full send buffer drops the message and records
// an error rather than stalling the fan-out goroutine.
func (c *Conn) Send(event string, payload any) error {
	return c.enqueue(outbound{Event: event, Data: payload})
}

func (c *Conn) enqueue(msg outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	default:
		c.server.metrics.RecordError("send_buffer_full")
		return websocket.ErrCloseSent
	}
}

func (c *Conn) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.writePump()
	c.readPump(ctx)

	c.server.router.RemoveConn(c.session.Username(), c)
	username := c.session.Username()
	if username != "" {
		c.session.Disconnect()
		for _, dmID := range c.server.calls.LeaveAll(username) {
			c.server.router.NotifyDM(map[string]any{"users_in_call": c.server.calls.Snapshot(dmID)}, dmID)
		}
		if !c.server.router.IsOnline(username) {
			c.server.router.NotifyProfile(c, map[string]any{"username": username, "status": "offline"})
		}
	}

	c.server.mu.Lock()
	c.server.count--
	c.server.mu.Unlock()
	c.server.metrics.DecrementConnections()
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		close(c.send)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.server.metrics.IncrementMessagesReceived()

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.server.metrics.RecordError("message_parse")
			continue
		}

		var data handlers.Data
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &data); err != nil {
				c.server.metrics.RecordError("message_parse")
				continue
			}
		} else {
			data = handlers.Data{}
		}

		ack := c.server.dispatcher.Dispatch(ctx, c.session, c, in.Event, data)
		_ = c.enqueue(outbound{Event: "ack", ID: in.ID, Data: ack})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var idCounter struct {
	sync.Mutex
	n uint64
}

func generateID() string {
	idCounter.Lock()
	idCounter.n++
	n := idCounter.n
	idCounter.Unlock()
	return "conn-" + time.Now().Format("20060102150405.000000") + "-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
