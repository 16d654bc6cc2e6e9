package jrpc

import (
	"context"
	"sync"
	"sync/atomic"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one accepted transport instance the core reads frames from
// and writes frames to. Implementations handle wire-level framing; the core
// never sees partial frames.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Connection binds one transport instance to a dispatcher and a
// subscription manager. While active it runs two loops: the read loop
// feeding inbound frames to the dispatcher, and the push loop draining the
// subscription queue. Both loops share one write mutex so frames are never
// interleaved mid-frame.
type Connection struct {
	sess       *session
	transport  Transport
	dispatcher *Dispatcher
	logger     Logger

	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	inflight  sync.WaitGroup
	closeOnce sync.Once
	onClose   func()
}

func newConnection(parent context.Context, transport Transport, dispatcher *Dispatcher, sess *session, logger Logger, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		sess:       sess,
		transport:  transport,
		dispatcher: dispatcher,
		logger:     logger.WithFields(map[string]interface{}{"connection": sess.id}),
		ctx:        ctx,
		cancel:     cancel,
		onClose:    onClose,
	}
	c.state.Store(int32(StateAccepted))
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.sess.id }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// run drives the connection until it is fully closed. It blocks, so callers
// start it on its own goroutine.
func (c *Connection) run() {
	if !c.state.CompareAndSwap(int32(StateAccepted), int32(StateActive)) {
		return
	}
	c.logger.Debug("Connection active")

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		c.readLoop()
	}()
	if c.sess.subs != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			c.pushLoop()
		}()
	}
	loops.Wait()

	// Cancelled handlers drain quickly; waiting keeps teardown ordered
	// so Closed really is terminal.
	c.inflight.Wait()
	c.state.Store(int32(StateClosed))
	if c.onClose != nil {
		c.onClose()
	}
	c.logger.Debug("Connection closed")
}

// Close moves the connection to Closing: cancels every in-flight handler,
// marks all subscriptions inactive and shuts the transport. Safe to call
// more than once and from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.cancel()
		if c.sess.subs != nil {
			c.sess.subs.close()
		}
		if err := c.transport.Close(); err != nil {
			c.logger.WithErr(err).Debug("Transport close reported an error")
		}
	})
}

func (c *Connection) readLoop() {
	defer c.Close()
	for {
		data, err := c.transport.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.WithErr(err).Debug("Transport read failed, closing connection")
			}
			return
		}
		c.inflight.Add(1)
		go func(raw []byte) {
			defer c.inflight.Done()
			c.handleFrame(raw)
		}(data)
	}
}

// handleFrame decodes and dispatches one inbound frame. Top-level decode
// failures are answered locally with a null id; they never kill the
// connection.
func (c *Connection) handleFrame(raw []byte) {
	msg, errObj := DecodeMessage(raw)
	if errObj != nil {
		c.write(mustEncode(newErrorResponse(nil, errObj)))
		return
	}
	if reply := c.dispatcher.dispatch(c.ctx, c.sess, msg); reply != nil {
		c.write(reply)
	}
}

func (c *Connection) pushLoop() {
	queue := c.sess.subs.outbound()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-queue:
			if !frame.sub.active.Load() {
				// Removed while queued; the peer has already been
				// told the subscription is gone.
				continue
			}
			c.write(frame.data)
		}
	}
}

func (c *Connection) write(data []byte) {
	if c.State() >= StateClosing {
		return
	}
	c.writeMu.Lock()
	err := c.transport.WriteMessage(c.ctx, data)
	c.writeMu.Unlock()
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.WithErr(err).Debug("Transport write failed, closing connection")
		}
		c.Close()
	}
}
