package jrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// subscriptionManager owns the subscription table and the bounded outbound
// push queue of a single connection. It never writes to the transport; the
// connection's push loop is the sole consumer of the queue.
type subscriptionManager struct {
	logger  Logger
	maxSubs int

	mu     sync.Mutex
	nextID uint64
	subs   map[string]*Subscription
	closed bool

	queue chan pushFrame
	done  chan struct{}
}

// pushFrame pairs an encoded notification with its subscription so the
// consumer can drop frames whose subscription was removed while they sat in
// the queue.
type pushFrame struct {
	sub  *Subscription
	data []byte
}

func newSubscriptionManager(capacity, maxSubs int, logger Logger) *subscriptionManager {
	if capacity <= 0 {
		capacity = defaultPushQueueCapacity
	}
	return &subscriptionManager{
		logger:  logger,
		maxSubs: maxSubs,
		subs:    make(map[string]*Subscription),
		queue:   make(chan pushFrame, capacity),
		done:    make(chan struct{}),
	}
}

// subscribe allocates a fresh connection-scoped subscription for
// notifyMethod. Ids are small hex strings ("0x1", "0x2", ...).
func (m *subscriptionManager) subscribe(notifyMethod string) (*Subscription, *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errInternal("connection is closing")
	}
	if m.maxSubs > 0 && len(m.subs) >= m.maxSubs {
		return nil, &Error{Code: CodeSubscriptionLimit, Message: "Subscription limit reached"}
	}

	m.nextID++
	sub := &Subscription{
		id:      fmt.Sprintf("%#x", m.nextID),
		method:  notifyMethod,
		m:       m,
		removed: make(chan struct{}),
	}
	sub.active.Store(true)
	m.subs[sub.id] = sub
	return sub, nil
}

// unsubscribe removes the subscription. Unknown or already-removed ids
// return false; double-unsubscribe is idempotent, never an error.
func (m *subscriptionManager) unsubscribe(id string) bool {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	sub.remove()
	return true
}

// close tears down all subscriptions and releases every blocked producer.
// Further pushes are dropped.
func (m *subscriptionManager) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.remove()
	}
	close(m.done)
}

// outbound exposes the push queue to the connection's write loop.
func (m *subscriptionManager) outbound() <-chan pushFrame {
	return m.queue
}

// Subscription is one standing registration created by a subscribe call.
// It is owned by its connection; pushing from other goroutines is safe.
type Subscription struct {
	id      string
	method  string
	m       *subscriptionManager
	active  atomic.Bool
	once    sync.Once
	removed chan struct{}
}

// ID returns the subscription id as delivered to the client.
func (s *Subscription) ID() string { return s.id }

// Method returns the method name of the pushed notification frames.
func (s *Subscription) Method() string { return s.method }

// Done is closed when the subscription is unsubscribed or its connection
// shuts down. Producers should stop pushing once it fires.
func (s *Subscription) Done() <-chan struct{} { return s.removed }

// Notify enqueues one notification frame carrying payload as params. A full
// queue blocks the caller (backpressure) until capacity frees up or ctx is
// cancelled. Pushes on a removed subscription or a closing connection are
// silently dropped.
func (s *Subscription) Notify(ctx context.Context, payload interface{}) error {
	if !s.active.Load() {
		return nil
	}

	params, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscription payload: %w", err)
	}
	frame, err := json.Marshal(Notification{JSONRPC: Version, Method: s.method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal notification frame: %w", err)
	}

	// A completed unsubscribe must win over a ready queue slot.
	select {
	case <-s.removed:
		return nil
	case <-s.m.done:
		return nil
	default:
	}

	select {
	case s.m.queue <- pushFrame{sub: s, data: frame}:
		return nil
	case <-s.removed:
		return nil
	case <-s.m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) remove() {
	s.active.Store(false)
	s.once.Do(func() { close(s.removed) })
}
