package jrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ServerConfig holds all configuration for Server.
type ServerConfig struct {
	logger         Logger
	pol            *policy
	allowedOrigins []string
}

// ServerOption is a function that modifies ServerConfig.
type ServerOption func(*ServerConfig)

// UseLogger sets a custom logger.
func UseLogger(logger Logger) ServerOption {
	return func(c *ServerConfig) {
		c.logger = logger
	}
}

// UseRateLimit sets the per-connection token bucket: rps permits per second
// with the given burst. Zero disables rate limiting.
func UseRateLimit(rps float64, burst int) ServerOption {
	return func(c *ServerConfig) {
		c.pol.rps = rate.Limit(rps)
		c.pol.burst = burst
	}
}

// UseMaxConcurrentRequests caps in-flight handler invocations across all
// connections. Excess requests are rejected as busy.
func UseMaxConcurrentRequests(n int64) ServerOption {
	return func(c *ServerConfig) {
		if n > 0 {
			c.pol.inflight = semaphore.NewWeighted(n)
		}
	}
}

// UseMaxBatchSize caps batch length; longer batches are rejected whole.
func UseMaxBatchSize(n int) ServerOption {
	return func(c *ServerConfig) {
		c.pol.maxBatch = n
	}
}

// UseMaxBodySize caps the inbound frame/body size in bytes. Oversized
// payloads are refused at the transport edge, before decoding.
func UseMaxBodySize(n int64) ServerOption {
	return func(c *ServerConfig) {
		c.pol.maxBody = n
	}
}

// UseMaxConnections caps simultaneously live connections.
func UseMaxConnections(n int64) ServerOption {
	return func(c *ServerConfig) {
		c.pol.maxConns = n
	}
}

// UsePushQueueCapacity sets the per-connection outbound push queue bound.
func UsePushQueueCapacity(n int) ServerOption {
	return func(c *ServerConfig) {
		c.pol.queueCap = n
	}
}

// UseMaxSubscriptionsPerConnection caps live subscriptions per connection.
func UseMaxSubscriptionsPerConnection(n int) ServerOption {
	return func(c *ServerConfig) {
		c.pol.maxSubs = n
	}
}

// UseRequestTimeout sets the per-request handler deadline. Zero means no
// deadline.
func UseRequestTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.pol.timeout = d
	}
}

// UseKeepAliveInterval sets the ping interval on the long-lived transport.
func UseKeepAliveInterval(d time.Duration) ServerOption {
	return func(c *ServerConfig) {
		c.pol.keepAlive = d
	}
}

// UseAllowedOrigins restricts WebSocket upgrades to the given origins.
// Empty means all origins are accepted.
func UseAllowedOrigins(origins []string) ServerOption {
	return func(c *ServerConfig) {
		c.allowedOrigins = origins
	}
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		logger: NewSlogLogger(nil),
		pol:    newPolicy(),
	}
}

// Server serves a frozen method registry over HTTP and WebSocket. It
// implements http.Handler: plain POSTs follow the one-body-in one-body-out
// path, upgrade requests get a long-lived bidirectional connection with
// subscription pushes.
type Server struct {
	registry   *Registry
	logger     Logger
	pol        *policy
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	// httpLimiter throttles request-scoped traffic. Plain HTTP carries no
	// connection identity that outlives a single body, so every HTTP
	// caller draws from this one bucket; WebSocket connections each get
	// their own limiter.
	httpLimiter *rate.Limiter

	connCount atomic.Int64
	conns     sync.Map // connection id -> *Connection
}

// NewServer creates a Server for the given registry and freezes it; no
// further registrations are accepted afterwards.
func NewServer(registry *Registry, opts ...ServerOption) *Server {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	registry.Freeze()
	s := &Server{
		registry:    registry,
		logger:      cfg.logger,
		pol:         cfg.pol,
		dispatcher:  newDispatcher(registry, cfg.pol, cfg.logger),
		httpLimiter: cfg.pol.newLimiter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: makeOriginChecker(cfg.allowedOrigins),
		},
	}
	return s
}

func makeOriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowedOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

// ServeHTTP routes upgrade requests to the WebSocket path and everything
// else to the single-body HTTP path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}
	s.serveHTTPBody(w, r)
}

// Run listens on addr and serves until ctx is cancelled or the listener
// fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and blocks until ctx is cancelled or the listener
// fails. On cancellation every live connection is closed and the HTTP
// server shut down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler: s,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.WithFields(map[string]interface{}{"addr": ln.Addr().String()}).Info("Starting JSON-RPC server")

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Context cancelled, closing all connections")
		s.closeAllConnections()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithErr(err).Error("Error during server shutdown")
			return fmt.Errorf("error during server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		s.logger.WithErr(err).Error("Server failed")
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) closeAllConnections() {
	s.conns.Range(func(_, value interface{}) bool {
		value.(*Connection).Close()
		return true
	})
}

// acquireConn counts a live connection against the configured ceiling.
func (s *Server) acquireConn() bool {
	if s.pol.maxConns <= 0 {
		s.connCount.Add(1)
		return true
	}
	for {
		n := s.connCount.Load()
		if n >= s.pol.maxConns {
			return false
		}
		if s.connCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Server) releaseConn() {
	s.connCount.Add(-1)
}
