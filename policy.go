package jrpc

import (
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultMaxBatchSize      = 128
	defaultMaxBodySize       = 1024 * 1024 // 1MB
	defaultPushQueueCapacity = 64
	defaultKeepAliveInterval = 30 * time.Second
)

// policy holds the server-wide limits enforced around every dispatch. The
// global concurrency semaphore is the only piece shared across connections;
// everything else is either immutable or instantiated per connection.
type policy struct {
	maxBatch  int
	maxBody   int64
	maxConns  int64
	queueCap  int
	maxSubs   int
	timeout   time.Duration
	keepAlive time.Duration

	rps      rate.Limit
	burst    int
	inflight *semaphore.Weighted
}

func newPolicy() *policy {
	return &policy{
		maxBatch:  defaultMaxBatchSize,
		maxBody:   defaultMaxBodySize,
		queueCap:  defaultPushQueueCapacity,
		keepAlive: defaultKeepAliveInterval,
	}
}

// newLimiter creates the per-connection token bucket, or nil when rate
// limiting is off.
func (p *policy) newLimiter() *rate.Limiter {
	if p.rps <= 0 {
		return nil
	}
	burst := p.burst
	if burst <= 0 {
		burst = int(p.rps)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(p.rps, burst)
}

// admit applies the per-connection rate limit and the global concurrency
// ceiling. On success the returned release must be called when the handler
// finishes; on rejection release is nil and the *Error names the policy
// that fired.
func (p *policy) admit(limiter *rate.Limiter) (release func(), errObj *Error) {
	if limiter != nil && !limiter.Allow() {
		return nil, errServerBusy()
	}
	if p.inflight != nil {
		if !p.inflight.TryAcquire(1) {
			return nil, errServerBusy()
		}
		return func() { p.inflight.Release(1) }, nil
	}
	return func() {}, nil
}

// checkBatch rejects over-length batches as a whole. Empty batches never
// reach here; the codec already refused them.
func (p *policy) checkBatch(n int) *Error {
	if p.maxBatch > 0 && n > p.maxBatch {
		return errInvalidRequest("batch exceeds maximum length")
	}
	return nil
}
