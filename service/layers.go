package service

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// ConsumeErr turns errors from the inner service into a successful response.
// The error is logged at level. fallback builds the response; when nil the
// zero response is used.
func ConsumeErr[Req, Resp any](loggers ldlog.Loggers, level ldlog.LogLevel, fallback func(err error) Resp) Layer[Req, Resp] {
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		return ServiceFunc[Req, Resp](func(ctx *Context, req Req) (Resp, error) {
			resp, err := inner.Serve(ctx, req)
			if err == nil {
				return resp, nil
			}
			if level != ldlog.None {
				loggers.ForLevel(level).Printf("service error: %v", err)
			}
			if fallback != nil {
				return fallback(err), nil
			}
			var zero Resp
			return zero, nil
		})
	})
}

// CatchPanic recovers panics raised by the inner service. onPanic converts the
// recovered value into the result; when nil a *PanicError is returned.
func CatchPanic[Req, Resp any](onPanic func(ctx *Context, v any) (Resp, error)) Layer[Req, Resp] {
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		return ServiceFunc[Req, Resp](func(ctx *Context, req Req) (resp Resp, err error) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if onPanic != nil {
					resp, err = onPanic(ctx, v)
					return
				}
				var zero Resp
				resp, err = zero, &PanicError{Value: v, Stack: debug.Stack()}
			}()
			return inner.Serve(ctx, req)
		})
	})
}

// Timeout bounds each call to the inner service. The inner service gets a
// clone of the context whose context.Context is cancelled at the deadline, so
// the caller's context is left untouched. If the inner service has not
// returned by then, ErrTimeout is returned and the call is abandoned. A panic
// in the inner service is raised again on the caller's goroutine.
func Timeout[Req, Resp any](d time.Duration) Layer[Req, Resp] {
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		return ServiceFunc[Req, Resp](func(ctx *Context, req Req) (Resp, error) {
			tctx, cancel := context.WithTimeout(ctx.Context(), d)
			defer cancel()
			ictx := ctx.Clone()
			ictx.SetContext(tctx)

			type result struct {
				resp  Resp
				err   error
				panic any
			}
			done := make(chan result, 1)
			go func() {
				var r result
				defer func() {
					if v := recover(); v != nil {
						r.panic = v
					}
					done <- r
				}()
				r.resp, r.err = inner.Serve(ictx, req)
			}()

			select {
			case r := <-done:
				if r.panic != nil {
					panic(r.panic)
				}
				return r.resp, r.err
			case <-tctx.Done():
				var zero Resp
				if errors.Is(tctx.Err(), context.DeadlineExceeded) {
					return zero, ErrTimeout
				}
				return zero, tctx.Err()
			}
		})
	})
}
