package jrpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// session is the dispatch-scoped state of one logical peer: its rate
// limiter and, on transports with a push channel, its subscription manager.
// Plain HTTP sessions have subs == nil; a nil limiter means unlimited.
type session struct {
	id      string
	limiter *rate.Limiter
	subs    *subscriptionManager
}

// Dispatcher routes decoded messages to registered handlers and builds the
// responses owed to the peer.
type Dispatcher struct {
	registry *Registry
	pol      *policy
	logger   Logger
}

func newDispatcher(registry *Registry, pol *policy, logger Logger) *Dispatcher {
	return &Dispatcher{registry: registry, pol: pol, logger: logger}
}

// dispatch processes one decoded frame and returns the encoded reply, or
// nil when nothing is owed (notification traffic). Batch elements execute
// concurrently; the response array preserves batch positions.
func (d *Dispatcher) dispatch(ctx context.Context, sess *session, msg *Message) []byte {
	if msg.Batch {
		if errObj := d.pol.checkBatch(len(msg.Items)); errObj != nil {
			return mustEncode(newErrorResponse(nil, errObj))
		}
	}

	responses := make([]*Response, len(msg.Items))
	if msg.Batch && len(msg.Items) > 1 {
		var g errgroup.Group
		for i := range msg.Items {
			i := i
			g.Go(func() error {
				responses[i] = d.dispatchItem(ctx, sess, msg.Items[i])
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, item := range msg.Items {
			responses[i] = d.dispatchItem(ctx, sess, item)
		}
	}

	encoded, err := encodeResponses(msg.Batch, responses)
	if err != nil {
		d.logger.WithErr(err).Error("Failed to encode responses")
		return mustEncode(newErrorResponse(nil, errInternal("failed to encode response")))
	}
	return encoded
}

// dispatchItem handles one batch position. Returns nil when the position
// produces no response entry (a notification, valid or not).
func (d *Dispatcher) dispatchItem(ctx context.Context, sess *session, item Item) *Response {
	if item.Err != nil {
		// Shape violations are isolated to their position; the id is
		// untrustworthy at this point, so it is echoed as null.
		return newErrorResponse(nil, item.Err)
	}

	req := item.Request
	entry, ok := d.registry.lookup(req.Method)
	if !ok {
		d.logger.WithFields(map[string]interface{}{
			"session": sess.id,
			"method":  req.Method,
		}).Debug("Method not found")
		if req.IsNotification() {
			return nil
		}
		return newErrorResponse(req.ID, errMethodNotFound())
	}

	release, errObj := d.pol.admit(sess.limiter)
	if errObj != nil {
		d.logger.WithFields(map[string]interface{}{
			"session": sess.id,
			"method":  req.Method,
		}).Warn("Request rejected by policy")
		if req.IsNotification() {
			return nil
		}
		return newErrorResponse(req.ID, errObj)
	}

	switch entry.kind {
	case methodSubscribe:
		return d.callSubscribe(ctx, sess, entry, req, release)
	case methodUnsubscribe:
		defer release()
		return d.callUnsubscribe(sess, req)
	default:
		return d.callMethod(ctx, sess, entry, req, release)
	}
}

// callMethod invokes a plain handler and maps its outcome to a response.
// The outcome of a notification is discarded, success and failure alike.
func (d *Dispatcher) callMethod(ctx context.Context, sess *session, entry *methodEntry, req *Request, release func()) *Response {
	ctx, span := StartSpan(ctx, "Dispatcher.Call")
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("session", sess.id),
	)

	if entry.schema != nil {
		if errObj := validateParams(entry.schema, req.Params); errObj != nil {
			release()
			span.SetStatus(codes.Error, "invalid params")
			if req.IsNotification() {
				return nil
			}
			return newErrorResponse(req.ID, errObj)
		}
	}

	result, errObj := d.invoke(ctx, req.Method, release, func(cctx context.Context) (interface{}, error) {
		return entry.handler(cctx, req.Params)
	})
	if req.IsNotification() {
		return nil
	}
	if errObj != nil {
		span.RecordError(errObj)
		span.SetStatus(codes.Error, errObj.Message)
		return newErrorResponse(req.ID, errObj)
	}
	return newResponse(req.ID, result)
}

// callSubscribe allocates the subscription before the handler runs so the
// id can be returned as the call's result; handler failure tears it down.
func (d *Dispatcher) callSubscribe(ctx context.Context, sess *session, entry *methodEntry, req *Request, release func()) *Response {
	ctx, span := StartSpan(ctx, "Dispatcher.Subscribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("session", sess.id),
	)

	if req.IsNotification() {
		// A subscribe with no id has no way to receive its subscription
		// id, so it would leak a subscription nobody can cancel.
		release()
		d.logger.WithFields(map[string]interface{}{
			"session": sess.id,
			"method":  req.Method,
		}).Warn("Ignoring subscribe sent as notification")
		return nil
	}

	if sess.subs == nil {
		release()
		return newErrorResponse(req.ID, errInternal("subscriptions not supported on this transport"))
	}

	sub, errObj := sess.subs.subscribe(entry.notifyMethod)
	if errObj != nil {
		release()
		span.SetStatus(codes.Error, errObj.Message)
		return newErrorResponse(req.ID, errObj)
	}

	_, errObj = d.invoke(ctx, req.Method, release, func(cctx context.Context) (interface{}, error) {
		return nil, entry.subscribe(cctx, req.Params, sub)
	})
	if errObj != nil {
		sess.subs.unsubscribe(sub.ID())
		span.RecordError(errObj)
		span.SetStatus(codes.Error, errObj.Message)
		return newErrorResponse(req.ID, errObj)
	}
	span.SetAttributes(attribute.String("subscription", sub.ID()))
	return newResponse(req.ID, sub.ID())
}

// callUnsubscribe removes the subscription named in params and reports
// whether it existed. Unknown ids answer false, never an error.
func (d *Dispatcher) callUnsubscribe(sess *session, req *Request) *Response {
	if req.IsNotification() {
		if sess.subs != nil {
			if id, errObj := parseSubscriptionID(req.Params); errObj == nil {
				sess.subs.unsubscribe(id)
			}
		}
		return nil
	}
	if sess.subs == nil {
		return newErrorResponse(req.ID, errInternal("subscriptions not supported on this transport"))
	}

	id, errObj := parseSubscriptionID(req.Params)
	if errObj != nil {
		return newErrorResponse(req.ID, errObj)
	}
	return newResponse(req.ID, sess.subs.unsubscribe(id))
}

// parseSubscriptionID accepts the id positionally (["0x1"]) or as an object
// ({"subscription": "0x1"}).
func parseSubscriptionID(params json.RawMessage) (string, *Error) {
	if len(params) == 0 {
		return "", errInvalidParams("missing subscription id")
	}

	var positional []json.RawMessage
	if err := json.Unmarshal(params, &positional); err == nil {
		if len(positional) != 1 {
			return "", errInvalidParams("expected a single subscription id")
		}
		var id string
		if err := json.Unmarshal(positional[0], &id); err != nil || id == "" {
			return "", errInvalidParams("subscription id must be a string")
		}
		return id, nil
	}

	var named struct {
		Subscription string `json:"subscription"`
	}
	if err := json.Unmarshal(params, &named); err != nil || named.Subscription == "" {
		return "", errInvalidParams("subscription id must be a string")
	}
	return named.Subscription, nil
}

// invoke runs fn with panic recovery and the optional per-request deadline.
// On timeout the abandoned handler keeps running in the background and
// releases the concurrency permit when it finishes; the caller gets a
// timeout error immediately.
func (d *Dispatcher) invoke(ctx context.Context, method string, release func(), fn func(context.Context) (interface{}, error)) (interface{}, *Error) {
	cctx := ctx
	var cancel context.CancelFunc
	if d.pol.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, d.pol.timeout)
	}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer release()
		if cancel != nil {
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithFields(map[string]interface{}{
					"method": method,
					"panic":  r,
				}).Error("Handler panicked")
				done <- outcome{err: errInternal("handler panicked")}
			}
		}()
		result, err := fn(cctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, toError(out.err)
		}
		return out.result, nil
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			d.logger.WithFields(map[string]interface{}{
				"method": method,
			}).Warn("Handler deadline exceeded, abandoning call")
			return nil, errTimeout()
		}
		// The connection is going away; the response will never be
		// written anyway.
		return nil, errInternal("request cancelled")
	}
}

// toError passes *Error through verbatim and wraps anything else as an
// internal error with the message preserved.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

func validateParams(schema *gojsonschema.Schema, params json.RawMessage) *Error {
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return errInvalidParams(err.Error())
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return errInvalidParams(messages)
	}
	return nil
}

func mustEncode(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// Response marshalling only fails on unmarshalable handler
		// results, which newErrorResponse never carries.
		panic(err)
	}
	return data
}
