package jrpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// serveWebSocket handles the long-lived transport: the upgraded socket
// carries request/response and subscription-push traffic multiplexed on one
// connection until either side closes it.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.acquireConn() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.releaseConn()
		s.logger.WithErr(err).Debug("WebSocket upgrade failed")
		return
	}

	sess := &session{
		id:      uuid.NewString(),
		limiter: s.pol.newLimiter(),
		subs:    newSubscriptionManager(s.pol.queueCap, s.pol.maxSubs, s.logger),
	}
	transport := newWSTransport(conn, s.pol.maxBody, s.pol.keepAlive, s.logger)

	c := newConnection(r.Context(), transport, s.dispatcher, sess, s.logger, func() {
		s.conns.Delete(sess.id)
		s.releaseConn()
	})
	s.conns.Store(sess.id, c)

	s.logger.WithFields(map[string]interface{}{
		"connection": sess.id,
		"remote":     r.RemoteAddr,
	}).Info("WebSocket connection accepted")

	// Blocks until the connection is fully closed; returning earlier
	// would cancel r.Context under the running loops.
	c.run()
}

// wsTransport adapts a gorilla websocket connection to the Transport
// interface and owns the keepalive pings.
type wsTransport struct {
	conn      *websocket.Conn
	logger    Logger
	writeMu   sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
	keepAlive time.Duration
}

func newWSTransport(conn *websocket.Conn, maxBody int64, keepAlive time.Duration, logger Logger) *wsTransport {
	t := &wsTransport{
		conn:      conn,
		logger:    logger,
		stop:      make(chan struct{}),
		keepAlive: keepAlive,
	}
	if maxBody > 0 {
		conn.SetReadLimit(maxBody)
	}
	if keepAlive > 0 {
		pongWait := keepAlive * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop()
	}
	return t
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.WithErr(err).Debug("Keepalive ping failed")
				return
			}
		}
	}
}

// ReadMessage returns the next inbound frame. Read-limit violations and
// peer closes surface as errors that drive the connection to Closing.
func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()
	return t.conn.Close()
}
