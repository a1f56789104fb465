package service

import (
	"context"
)

// Executor runs background tasks on behalf of a service. The function passed
// to Go receives a context that is cancelled when the executor wants the task
// to stop (for example on graceful shutdown).
type Executor interface {
	Go(fn func(ctx context.Context))
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func(ctx context.Context))

// Go implements Executor.
func (f ExecutorFunc) Go(fn func(ctx context.Context)) { f(fn) }

type goExecutor struct{}

func (goExecutor) Go(fn func(ctx context.Context)) {
	go fn(context.Background())
}

// DefaultExecutor spawns untracked goroutines with a background context.
var DefaultExecutor Executor = goExecutor{}

// Context is the per-request value passed down a service pipeline. It carries
// optional shared state, the executor for spawning background work, a
// context.Context for cancellation and deadlines, and a typed extension bag.
//
// A Context is owned by the service currently handling the request. A service
// that delegates to an inner service hands ownership over with the call.
// Work that runs concurrently with the request path must use Clone.
type Context struct {
	ctx   context.Context
	state any
	exec  Executor
	ext   *Extensions
}

// NewContext creates a Context. A nil ctx is replaced with
// context.Background and a nil exec with DefaultExecutor.
func NewContext(ctx context.Context, state any, exec Executor) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if exec == nil {
		exec = DefaultExecutor
	}
	return &Context{
		ctx:   ctx,
		state: state,
		exec:  exec,
		ext:   NewExtensions(),
	}
}

// Background returns a Context with no state, the default executor and an
// empty extension bag.
func Background() *Context {
	return NewContext(context.Background(), nil, nil)
}

// Context returns the cancellation context.
func (c *Context) Context() context.Context {
	return c.ctx
}

// SetContext replaces the cancellation context.
func (c *Context) SetContext(ctx context.Context) {
	if ctx == nil {
		panic("service: nil context")
	}
	c.ctx = ctx
}

// State returns the shared state the pipeline was created with.
func (c *Context) State() any {
	return c.state
}

// Executor returns the executor for background tasks.
func (c *Context) Executor() Executor {
	return c.exec
}

// Extensions returns the extension bag. It is never nil.
func (c *Context) Extensions() *Extensions {
	return c.ext
}

// Clone returns a copy with its own extension bag. State and executor are
// shared.
func (c *Context) Clone() *Context {
	return &Context{
		ctx:   c.ctx,
		state: c.state,
		exec:  c.exec,
		ext:   c.ext.Clone(),
	}
}

// StateAs returns the shared state as T.
func StateAs[T any](c *Context) (T, bool) {
	v, ok := c.state.(T)
	return v, ok
}
