package service

// Matcher decides whether a request satisfies a predicate. A matcher may
// stage values it extracted (path parameters, credentials) into ext. Staged
// values only become visible on the request's Context when the overall match
// succeeds; ext may be nil when the caller does not care about them.
type Matcher[Req any] interface {
	Matches(ext *Extensions, ctx *Context, req Req) bool
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc[Req any] func(ext *Extensions, ctx *Context, req Req) bool

// Matches implements Matcher.
func (f MatcherFunc[Req]) Matches(ext *Extensions, ctx *Context, req Req) bool {
	return f(ext, ctx, req)
}

// Always matches every request.
func Always[Req any]() Matcher[Req] {
	return MatcherFunc[Req](func(*Extensions, *Context, Req) bool { return true })
}

// Never matches no request.
func Never[Req any]() Matcher[Req] {
	return MatcherFunc[Req](func(*Extensions, *Context, Req) bool { return false })
}

type andMatcher[Req any] []Matcher[Req]

// And matches when every child matches. Children are evaluated in order and
// evaluation stops at the first failure. Values staged by the children are
// merged into ext only when all of them match. An empty And always matches.
func And[Req any](ms ...Matcher[Req]) Matcher[Req] {
	return andMatcher[Req](ms)
}

func (a andMatcher[Req]) Matches(ext *Extensions, ctx *Context, req Req) bool {
	var staged *Extensions
	for _, m := range a {
		scratch := NewExtensions()
		if !m.Matches(scratch, ctx, req) {
			return false
		}
		if scratch.Len() > 0 {
			if staged == nil {
				staged = NewExtensions()
			}
			staged.Extend(scratch)
		}
	}
	if ext != nil {
		ext.Extend(staged)
	}
	return true
}

type orMatcher[Req any] []Matcher[Req]

// Or matches when any child matches. Children are evaluated in order and
// evaluation stops at the first success; only the values staged by that child
// are merged into ext. An empty Or never matches.
func Or[Req any](ms ...Matcher[Req]) Matcher[Req] {
	return orMatcher[Req](ms)
}

func (o orMatcher[Req]) Matches(ext *Extensions, ctx *Context, req Req) bool {
	for _, m := range o {
		scratch := NewExtensions()
		if m.Matches(scratch, ctx, req) {
			if ext != nil {
				ext.Extend(scratch)
			}
			return true
		}
	}
	return false
}

type notMatcher[Req any] struct {
	m Matcher[Req]
}

// Not inverts m. Nothing m stages is ever merged into ext.
func Not[Req any](m Matcher[Req]) Matcher[Req] {
	return notMatcher[Req]{m: m}
}

func (n notMatcher[Req]) Matches(_ *Extensions, ctx *Context, req Req) bool {
	return !n.m.Matches(NewExtensions(), ctx, req)
}
