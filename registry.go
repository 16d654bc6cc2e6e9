package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"
)

// ErrDuplicateMethod is returned when a registration would rebind a name
// that is already taken by a method or a subscription.
var ErrDuplicateMethod = errors.New("duplicate method name")

// ErrRegistryFrozen is returned by registrations attempted after the
// registry was handed to a running server.
var ErrRegistryFrozen = errors.New("registry is frozen")

// Handler implements a plain method. The returned value becomes the result
// member of the response; returning an *Error controls the error object sent
// to the client, any other error is reported as an internal error.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// SubscribeHandler implements the subscribe side of a subscription. It runs
// after the subscription has been allocated; the subscription id is already
// reserved as the call's result. Returning an error tears the subscription
// down and surfaces the error instead. The handler typically starts a
// goroutine producing sub.Notify calls until sub is done.
type SubscribeHandler func(ctx context.Context, params json.RawMessage, sub *Subscription) error

type methodKind int

const (
	methodPlain methodKind = iota
	methodSubscribe
	methodUnsubscribe
)

// methodEntry is the uniform shape every registered name resolves to. Plain
// and subscription handlers differ only in which field is set.
type methodEntry struct {
	kind         methodKind
	name         string
	handler      Handler
	subscribe    SubscribeHandler
	notifyMethod string
	schema       *gojsonschema.Schema
}

// Registry maps method and subscription names to handlers. It is mutable
// during setup and frozen when a server starts; lookups after the freeze
// take no locks.
type Registry struct {
	mu      sync.Mutex
	frozen  atomic.Bool
	methods map[string]*methodEntry
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*methodEntry)}
}

// MethodOption modifies a plain-method registration.
type MethodOption func(*methodConfig)

type methodConfig struct {
	paramsSchema json.RawMessage
}

// UseParamsSchema attaches a JSON Schema validated against the params of
// every call before the handler runs. Violations produce an invalid-params
// error carrying the validation messages.
func UseParamsSchema(schema json.RawMessage) MethodOption {
	return func(c *methodConfig) {
		c.paramsSchema = schema
	}
}

// RegisterMethod binds name to handler.
func (r *Registry) RegisterMethod(name string, handler Handler, opts ...MethodOption) error {
	if name == "" {
		return errors.New("method name cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	cfg := &methodConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	entry := &methodEntry{kind: methodPlain, name: name, handler: handler}
	if cfg.paramsSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cfg.paramsSchema))
		if err != nil {
			return fmt.Errorf("invalid params schema for %s: %w", name, err)
		}
		entry.schema = schema
	}

	return r.insert(entry)
}

// RegisterSubscription binds the subscribe/unsubscribe method pair of a
// subscription. notifyMethod names the method of the pushed notification
// frames. Fails with ErrDuplicateMethod if either name is already taken.
func (r *Registry) RegisterSubscription(subscribeMethod, notifyMethod, unsubscribeMethod string, handler SubscribeHandler) error {
	if subscribeMethod == "" || notifyMethod == "" || unsubscribeMethod == "" {
		return errors.New("subscription method names cannot be empty")
	}
	if subscribeMethod == unsubscribeMethod {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, subscribeMethod)
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	for _, name := range []string{subscribeMethod, unsubscribeMethod} {
		if _, exists := r.methods[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
		}
	}

	r.methods[subscribeMethod] = &methodEntry{
		kind:         methodSubscribe,
		name:         subscribeMethod,
		subscribe:    handler,
		notifyMethod: notifyMethod,
	}
	r.methods[unsubscribeMethod] = &methodEntry{
		kind: methodUnsubscribe,
		name: unsubscribeMethod,
	}
	return nil
}

func (r *Registry) insert(entry *methodEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if _, exists := r.methods[entry.name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, entry.name)
	}
	r.methods[entry.name] = entry
	return nil
}

// Freeze makes the registry read-only. Called by the server on start.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (*methodEntry, bool) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	entry, ok := r.methods[name]
	return entry, ok
}
