package jrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// wireResponse mirrors the response shape for assertions on raw replies.
type wireResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result"`
	Error   *Error           `json:"error"`
	ID      *json.RawMessage `json:"id"`
}

func addHandler(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var args []float64
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, errInvalidParams("expected an array of numbers")
	}
	sum := 0.0
	for _, v := range args {
		sum += v
	}
	return sum, nil
}

func newTestDispatcher(reg *Registry, tweak func(*policy)) (*Dispatcher, *session) {
	reg.Freeze()
	pol := newPolicy()
	if tweak != nil {
		tweak(pol)
	}
	d := newDispatcher(reg, pol, NewNullLogger())
	sess := &session{
		id:      "test-session",
		limiter: pol.newLimiter(),
		subs:    newSubscriptionManager(8, 0, NewNullLogger()),
	}
	return d, sess
}

func dispatchRaw(t *testing.T, d *Dispatcher, sess *session, raw string) []byte {
	t.Helper()
	msg, errObj := DecodeMessage([]byte(raw))
	require.Nil(t, errObj)
	return d.dispatch(context.Background(), sess, msg)
}

func decodeOne(t *testing.T, reply []byte) wireResponse {
	t.Helper()
	var resp wireResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	return resp
}

func TestDispatch_SingleRequest(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("add", addHandler))
	d, sess := newTestDispatcher(reg, nil)

	t.Run("result with preserved id", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":3,"id":1}`, string(reply))
	})

	t.Run("string id echoed with its type", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[2,3],"id":"req-7"}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":5,"id":"req-7"}`, string(reply))
	})

	t.Run("null id echoed as null", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[1,1],"id":null}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":2,"id":null}`, string(reply))
	})

	t.Run("unknown method", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"ghost","id":5}`)
		resp := decodeOne(t, reply)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
		assert.Equal(t, "5", string(*resp.ID))
		assert.Nil(t, resp.Result)
	})

	t.Run("notification produces no reply", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[1,2]}`)
		assert.Nil(t, reply)
	})

	t.Run("notification to unknown method produces no reply", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"ghost"}`)
		assert.Nil(t, reply)
	})
}

func TestDispatch_HandlerErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("custom_fail", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, NewError(-32050, "domain failure")
	}))
	require.NoError(t, reg.RegisterMethod("plain_fail", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, reg.RegisterMethod("explode", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		panic("kaboom")
	}))
	d, sess := newTestDispatcher(reg, nil)

	t.Run("rpc error passed through verbatim", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"custom_fail","id":1}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, -32050, resp.Error.Code)
		assert.Equal(t, "domain failure", resp.Error.Message)
	})

	t.Run("plain error reported as internal", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"plain_fail","id":2}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
	})

	t.Run("panic contained as internal error", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"explode","id":3}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)
		assert.Equal(t, "3", string(*resp.ID))
	})

	t.Run("failing notification stays silent", func(t *testing.T) {
		assert.Nil(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"explode"}`))
	})
}

func TestDispatch_Batch(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("add", addHandler))
	require.NoError(t, reg.RegisterMethod("slow", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	}))
	require.NoError(t, reg.RegisterMethod("fast", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		return "fast", nil
	}))
	d, sess := newTestDispatcher(reg, func(p *policy) { p.maxBatch = 3 })

	t.Run("request plus notification yields one entry", func(t *testing.T) {
		raw := `[{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1},{"jsonrpc":"2.0","method":"notify_nobody"}]`
		reply := dispatchRaw(t, d, sess, raw)
		assert.JSONEq(t, `[{"jsonrpc":"2.0","result":3,"id":1}]`, string(reply))
	})

	t.Run("responses keep batch positions despite completion order", func(t *testing.T) {
		raw := `[{"jsonrpc":"2.0","method":"slow","id":1},{"jsonrpc":"2.0","method":"fast","id":2}]`
		reply := dispatchRaw(t, d, sess, raw)

		var responses []wireResponse
		require.NoError(t, json.Unmarshal(reply, &responses))
		require.Len(t, responses, 2)
		assert.Equal(t, "1", string(*responses[0].ID))
		assert.Equal(t, `"slow"`, string(responses[0].Result))
		assert.Equal(t, "2", string(*responses[1].ID))
		assert.Equal(t, `"fast"`, string(responses[1].Result))
	})

	t.Run("invalid element answered in place", func(t *testing.T) {
		raw := `[{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1},{"jsonrpc":"1.0","method":"add","id":2}]`
		reply := dispatchRaw(t, d, sess, raw)

		var responses []wireResponse
		require.NoError(t, json.Unmarshal(reply, &responses))
		require.Len(t, responses, 2)
		assert.Nil(t, responses[0].Error)
		require.NotNil(t, responses[1].Error)
		assert.Equal(t, CodeInvalidRequest, responses[1].Error.Code)
		// The malformed element's id is untrusted.
		assert.Equal(t, "null", string(*responses[1].ID))
	})

	t.Run("all-notification batch owes nothing", func(t *testing.T) {
		raw := `[{"jsonrpc":"2.0","method":"add","params":[1,2]},{"jsonrpc":"2.0","method":"fast"}]`
		assert.Nil(t, dispatchRaw(t, d, sess, raw))
	})

	t.Run("over-length batch rejected whole", func(t *testing.T) {
		raw := `[{"jsonrpc":"2.0","method":"fast","id":1},{"jsonrpc":"2.0","method":"fast","id":2},{"jsonrpc":"2.0","method":"fast","id":3},{"jsonrpc":"2.0","method":"fast","id":4}]`
		resp := decodeOne(t, dispatchRaw(t, d, sess, raw))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
		assert.Equal(t, "null", string(*resp.ID))
	})
}

func TestDispatch_ParamsSchema(t *testing.T) {
	schema := json.RawMessage(`{"type":"array","items":{"type":"number"},"minItems":2,"maxItems":2}`)
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("add", addHandler, UseParamsSchema(schema)))
	d, sess := newTestDispatcher(reg, nil)

	t.Run("valid params reach the handler", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":3,"id":1}`, string(reply))
	})

	t.Run("violations answered with invalid params", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":["a","b"],"id":2}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
		assert.NotNil(t, resp.Error.Data)
	})

	t.Run("missing params validated as null", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","id":3}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	})
}

func TestDispatch_Timeout(t *testing.T) {
	started := make(chan struct{}, 1)
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("stall", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	d, sess := newTestDispatcher(reg, func(p *policy) { p.timeout = 30 * time.Millisecond })

	resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"stall","id":1}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTimeout, resp.Error.Code)
	<-started
}

func TestDispatch_RateLimit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("add", addHandler))
	d, sess := newTestDispatcher(reg, func(p *policy) {
		p.rps = rate.Limit(1)
		p.burst = 2
	})
	require.NotNil(t, sess.limiter)

	for i := 1; i <= 2; i++ {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":1}`))
		assert.Nil(t, resp.Error, "request %d should pass within the burst", i)
	}

	resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"add","params":[1,2],"id":3}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeServerBusy, resp.Error.Code)
	assert.Equal(t, "3", string(*resp.ID))
}

func TestDispatch_ConcurrencyCeiling(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.RegisterMethod("block", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		close(entered)
		<-proceed
		return "ok", nil
	}))
	d, sess := newTestDispatcher(reg, func(p *policy) {
		p.inflight = semaphore.NewWeighted(1)
	})

	first := make(chan []byte, 1)
	go func() {
		first <- dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"block","id":1}`)
	}()
	<-entered

	resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"block","id":2}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeServerBusy, resp.Error.Code)

	close(proceed)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":"ok","id":1}`, string(<-first))
}

func TestDispatch_Subscriptions(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterSubscription("subscribe_numbers", "numbers", "unsubscribe_numbers", noopSubscribe))
	require.NoError(t, reg.RegisterSubscription("subscribe_fail", "failing", "unsubscribe_fail",
		func(ctx context.Context, _ json.RawMessage, _ *Subscription) error {
			return errors.New("cannot subscribe")
		}))
	d, sess := newTestDispatcher(reg, nil)

	t.Run("subscribe returns the allocated id", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"subscribe_numbers","id":1}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":"0x1","id":1}`, string(reply))
	})

	t.Run("unsubscribe positional form", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"unsubscribe_numbers","params":["0x1"],"id":2}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":true,"id":2}`, string(reply))
	})

	t.Run("double unsubscribe answers false", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"unsubscribe_numbers","params":["0x1"],"id":3}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":false,"id":3}`, string(reply))
	})

	t.Run("unsubscribe object form", func(t *testing.T) {
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"subscribe_numbers","id":4}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":"0x2","id":4}`, string(reply))

		reply = dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"unsubscribe_numbers","params":{"subscription":"0x2"},"id":5}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":true,"id":5}`, string(reply))
	})

	t.Run("unsubscribe without params", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"unsubscribe_numbers","id":6}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInvalidParams, resp.Error.Code)
	})

	t.Run("failing subscribe handler tears the subscription down", func(t *testing.T) {
		resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"subscribe_fail","id":7}`))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeInternalError, resp.Error.Code)

		// The id allocated for the failed subscribe must not linger.
		reply := dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"unsubscribe_fail","params":["0x3"],"id":8}`)
		assert.JSONEq(t, `{"jsonrpc":"2.0","result":false,"id":8}`, string(reply))
	})

	t.Run("subscribe as notification is dropped", func(t *testing.T) {
		assert.Nil(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"subscribe_numbers"}`))
	})
}

func TestDispatch_SubscribeWithoutPushChannel(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterSubscription("subscribe_numbers", "numbers", "unsubscribe_numbers", noopSubscribe))
	d, sess := newTestDispatcher(reg, nil)
	sess.subs = nil

	resp := decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"subscribe_numbers","id":1}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	resp = decodeOne(t, dispatchRaw(t, d, sess, `{"jsonrpc":"2.0","method":"unsubscribe_numbers","params":["0x1"],"id":2}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}
