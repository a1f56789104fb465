// Package graceful coordinates background tasks against a single shutdown
// signal with a bounded drain period.
//
// Every task is started through a Shutdown (or a Guard obtained from it) and
// receives a Guard. The guard's context is cancelled exactly once, either when
// Shutdown is called or when the parent context passed to New is done. Tasks
// are expected to return soon after; Shutdown waits for them up to a grace
// duration and reports ErrTimeout for the ones it had to abandon.
package graceful

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// ErrTimeout is returned by Shutdown when tasks were still running when the
// grace period elapsed.
var ErrTimeout = errors.New("graceful: shutdown timed out")

// Shutdown owns the shutdown signal and the set of running tasks.
type Shutdown struct {
	ctx     context.Context
	cancel  context.CancelFunc
	loggers ldlog.Loggers

	mu      sync.Mutex
	running int
	idle    chan struct{}

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a coordinator. The shutdown signal fires when parent is done or
// when Shutdown is called, whichever comes first. Panics in tasks are
// recovered and logged to loggers.
func New(parent context.Context, loggers ldlog.Loggers) *Shutdown {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Shutdown{
		ctx:     ctx,
		cancel:  cancel,
		loggers: loggers,
		done:    make(chan struct{}),
	}
}

// Guard returns a guard bound to the shutdown signal.
func (s *Shutdown) Guard() Guard {
	return Guard{s: s}
}

// Done is closed once the shutdown signal has fired.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Running returns the number of tasks that have not finished yet.
func (s *Shutdown) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Spawn starts fn as a tracked task.
func (s *Shutdown) Spawn(fn func(g Guard)) {
	s.track()
	go func() {
		defer s.untrack()
		defer s.recoverTask()
		fn(Guard{s: s})
	}()
}

// Go starts fn as a tracked task. The context passed to fn is cancelled when
// the shutdown signal fires. Go makes *Shutdown usable as a service.Executor.
func (s *Shutdown) Go(fn func(ctx context.Context)) {
	s.Spawn(func(g Guard) { fn(g.Context()) })
}

// Shutdown fires the shutdown signal and waits up to grace for all tasks to
// finish. Tasks started while draining are waited for as well. Shutdown may be
// called more than once and from several goroutines; every call returns the
// result of the first one.
func (s *Shutdown) Shutdown(grace time.Duration) error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.wait(grace)
		close(s.done)
	})
	<-s.done
	return s.err
}

func (s *Shutdown) wait(grace time.Duration) error {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if s.running == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		n := s.running
		s.mu.Unlock()

		select {
		case <-idle:
		case <-deadline.C:
			s.loggers.Warnf("Abandoning %d task(s) still running after %s", n, grace)
			return ErrTimeout
		}
	}
}

func (s *Shutdown) track() {
	s.mu.Lock()
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	s.mu.Unlock()
}

func (s *Shutdown) untrack() {
	s.mu.Lock()
	s.running--
	if s.running == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

func (s *Shutdown) recoverTask() {
	if v := recover(); v != nil {
		s.loggers.Errorf("Recovered panic in background task: %v\n%s", v, debug.Stack())
	}
}

// Guard is handed to every task. It is a small value and may be copied.
type Guard struct {
	s *Shutdown
}

// Context returns a context that is cancelled when the shutdown signal fires.
func (g Guard) Context() context.Context {
	return g.s.ctx
}

// Done is closed once the shutdown signal has fired.
func (g Guard) Done() <-chan struct{} {
	return g.s.ctx.Done()
}

// Cancelled reports whether the shutdown signal has fired.
func (g Guard) Cancelled() bool {
	return g.s.ctx.Err() != nil
}

// Spawn starts a child task tracked by the same coordinator.
func (g Guard) Spawn(fn func(g Guard)) {
	g.s.Spawn(fn)
}

// Go implements service.Executor.
func (g Guard) Go(fn func(ctx context.Context)) {
	g.s.Go(fn)
}
