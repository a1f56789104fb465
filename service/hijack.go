package service

// Hijack routes requests matching m to alt instead of the wrapped service.
// Values staged by the matcher are added to the request's extensions before
// alt runs. Requests that do not match reach the inner service exactly once.
func Hijack[Req, Resp any](m Matcher[Req], alt Service[Req, Resp]) Layer[Req, Resp] {
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		return &hijackService[Req, Resp]{
			matcher: m,
			alt:     alt,
			inner:   inner,
		}
	})
}

type hijackService[Req, Resp any] struct {
	matcher Matcher[Req]
	alt     Service[Req, Resp]
	inner   Service[Req, Resp]
}

func (h *hijackService[Req, Resp]) Serve(ctx *Context, req Req) (Resp, error) {
	scratch := NewExtensions()
	if h.matcher.Matches(scratch, ctx, req) {
		ctx.Extensions().Extend(scratch)
		return h.alt.Serve(ctx, req)
	}
	return h.inner.Serve(ctx, req)
}
