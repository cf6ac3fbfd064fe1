package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"payflow/internal/core"
	"payflow/internal/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 512
	// streamBuffer documents may queue per client before it is dropped as
	// too slow.
	streamBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Stream message types.
const (
	MessageDocument   = "document"
	MessageForeground = "foreground"
)

type streamMessage struct {
	Type     string        `json:"type"`
	Document core.Document `json:"document"`
	Summary  core.Summary  `json:"summary"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// streamConn is one websocket client. It owns one store listener, which
// only ever enqueues so a dispatch never waits on the network.
type streamConn struct {
	conn *websocket.Conn
	out  chan core.Document
	done chan struct{}
	once sync.Once
}

func newStreamConn(conn *websocket.Conn) *streamConn {
	return &streamConn{
		conn: conn,
		out:  make(chan core.Document, streamBuffer),
		done: make(chan struct{}),
	}
}

func (c *streamConn) push(doc core.Document) {
	select {
	case c.out <- doc:
	default:
		c.stop()
	}
}

func (c *streamConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *streamConn) writePump(logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case doc := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := streamMessage{Type: MessageDocument, Document: doc, Summary: core.Summarize(doc)}
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Debug("Stream write failed", log.FieldError, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

type streamRegistry struct {
	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{conns: make(map[*streamConn]struct{})}
}

func (r *streamRegistry) add(c *streamConn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *streamRegistry) remove(c *streamConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *streamRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll stops every stream. Hijacked connections are not tracked by
// http.Server.Shutdown.
func (r *streamRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.stop()
	}
}

// handleStream upgrades to a websocket and pushes every document the store
// publishes locally, starting with the current one. Connecting counts as the
// app coming to the foreground; clients may send {"type":"foreground"} later
// to trigger the same check.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context()).WithComponent(log.ComponentStream)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "Websocket upgrade failed", log.FieldError, err)
		return
	}

	c := newStreamConn(conn)
	s.streams.add(c)
	defer s.streams.remove(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(logger)
	}()

	unsubscribe := s.deps.Store.Subscribe(c.push)
	logger.InfoContext(r.Context(), "Stream client connected", "open_streams", s.streams.len())

	ctx := context.WithoutCancel(r.Context())
	s.deps.Store.OnForeground(ctx)

	s.readPump(ctx, c)

	unsubscribe()
	c.stop()
	<-writerDone
	logger.InfoContext(r.Context(), "Stream client disconnected")
}

func (s *Server) readPump(ctx context.Context, c *streamConn) {
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Type == MessageForeground {
			s.deps.Store.OnForeground(ctx)
		}
	}
}
