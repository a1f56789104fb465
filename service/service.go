// Package service provides the building blocks of a proxy pipeline: a
// Service that turns a request into a response, Layers that wrap services to
// add behaviour, a per-request Context with typed extensions, and Matchers for
// conditional dispatch.
//
// Pipelines are assembled outer to inner:
//
//	svc := service.NewStack(
//	    service.ConsumeErr[net.Conn, struct{}](loggers, ldlog.Debug, nil),
//	    service.Limit[net.Conn, struct{}](service.NewConcurrentPolicy(2048)),
//	).Service(inner)
//
// The resulting service applies ConsumeErr first, then Limit, then inner.
package service

// Service turns a request into a response.
type Service[Req, Resp any] interface {
	Serve(ctx *Context, req Req) (Resp, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc[Req, Resp any] func(ctx *Context, req Req) (Resp, error)

// Serve implements Service.
func (f ServiceFunc[Req, Resp]) Serve(ctx *Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// Layer wraps a service, producing a new service.
type Layer[Req, Resp any] interface {
	Layer(inner Service[Req, Resp]) Service[Req, Resp]
}

// LayerFunc adapts a function to the Layer interface.
type LayerFunc[Req, Resp any] func(inner Service[Req, Resp]) Service[Req, Resp]

// Layer implements Layer.
func (f LayerFunc[Req, Resp]) Layer(inner Service[Req, Resp]) Service[Req, Resp] {
	return f(inner)
}

// Stack is an ordered list of layers. The zero value is an empty stack.
//
// Stack values are immutable: With returns a new stack and never modifies the
// receiver.
type Stack[Req, Resp any] struct {
	layers []Layer[Req, Resp]
}

// NewStack creates a stack from layers listed outermost first. Nil layers are
// ignored, which makes optional layers easy to express.
func NewStack[Req, Resp any](layers ...Layer[Req, Resp]) Stack[Req, Resp] {
	return Stack[Req, Resp]{}.With(layers...)
}

// With returns a new stack with layers appended inside the existing ones.
func (s Stack[Req, Resp]) With(layers ...Layer[Req, Resp]) Stack[Req, Resp] {
	out := make([]Layer[Req, Resp], 0, len(s.layers)+len(layers))
	out = append(out, s.layers...)
	for _, l := range layers {
		if isNilLayer(l) {
			continue
		}
		out = append(out, l)
	}
	return Stack[Req, Resp]{layers: out}
}

// Len returns the number of layers.
func (s Stack[Req, Resp]) Len() int {
	return len(s.layers)
}

// Service wraps svc with every layer, so that the first layer of the stack is
// the first to see a request.
func (s Stack[Req, Resp]) Service(svc Service[Req, Resp]) Service[Req, Resp] {
	for i := len(s.layers) - 1; i >= 0; i-- {
		svc = s.layers[i].Layer(svc)
	}
	return svc
}

func isNilLayer[Req, Resp any](l Layer[Req, Resp]) bool {
	if l == nil {
		return true
	}
	if f, ok := l.(LayerFunc[Req, Resp]); ok && f == nil {
		return true
	}
	return false
}
