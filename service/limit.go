package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
)

// Policy decides whether a request may proceed. A successful Acquire returns
// a release function that must be called once the request is done.
type Policy interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// ConcurrentPolicy admits at most a fixed number of requests at a time.
// Without a backoff configured, requests above the limit are rejected
// immediately. With a backoff they are retried with exponentially growing
// delays and rejected once the attempts are used up.
type ConcurrentPolicy struct {
	max     int64
	current atomic.Int64

	backoff  *backoff.Backoff
	attempts int
}

// NewConcurrentPolicy returns a policy admitting up to max concurrent
// requests.
func NewConcurrentPolicy(max int) *ConcurrentPolicy {
	return &ConcurrentPolicy{max: int64(max)}
}

// WithBackoff makes the policy retry rejected acquisitions up to attempts
// times, sleeping for durations produced by b between tries. b is used as a
// template and never mutated.
func (p *ConcurrentPolicy) WithBackoff(b backoff.Backoff, attempts int) *ConcurrentPolicy {
	p.backoff = &backoff.Backoff{
		Factor: b.Factor,
		Jitter: b.Jitter,
		Min:    b.Min,
		Max:    b.Max,
	}
	p.attempts = attempts
	return p
}

// InFlight returns the number of currently admitted requests.
func (p *ConcurrentPolicy) InFlight() int {
	return int(p.current.Load())
}

func (p *ConcurrentPolicy) tryAcquire() bool {
	for {
		cur := p.current.Load()
		if cur >= p.max {
			return false
		}
		if p.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (p *ConcurrentPolicy) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.current.Add(-1) })
	}
}

// Acquire implements Policy.
func (p *ConcurrentPolicy) Acquire(ctx context.Context) (func(), error) {
	if p.tryAcquire() {
		return p.releaseFunc(), nil
	}
	if p.backoff == nil {
		return nil, ErrLimitReached
	}

	b := &backoff.Backoff{
		Factor: p.backoff.Factor,
		Jitter: p.backoff.Jitter,
		Min:    p.backoff.Min,
		Max:    p.backoff.Max,
	}
	for int(b.Attempt()) < p.attempts {
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if p.tryAcquire() {
			return p.releaseFunc(), nil
		}
	}
	return nil, ErrLimitReached
}

// Limit guards the inner service with policy. Rejected requests fail with the
// policy's error.
func Limit[Req, Resp any](policy Policy) Layer[Req, Resp] {
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		return ServiceFunc[Req, Resp](func(ctx *Context, req Req) (Resp, error) {
			release, err := policy.Acquire(ctx.Context())
			if err != nil {
				var zero Resp
				return zero, err
			}
			defer release()
			return inner.Serve(ctx, req)
		})
	})
}
