package httpmatch

import (
	"net/http"
	"strings"

	"lds.li/netpipe/service"
)

// Matcher is a matcher over HTTP requests.
type Matcher = service.Matcher[*http.Request]

// Method matches requests using any of the given methods.
func Method(methods ...string) Matcher {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return service.MatcherFunc[*http.Request](func(_ *service.Extensions, _ *service.Context, req *http.Request) bool {
		_, ok := set[req.Method]
		return ok
	})
}

// Connect matches CONNECT requests.
func Connect() Matcher {
	return Method(http.MethodConnect)
}

// HeaderExists matches requests carrying the header, whatever its value.
func HeaderExists(name string) Matcher {
	key := http.CanonicalHeaderKey(name)
	return service.MatcherFunc[*http.Request](func(_ *service.Extensions, _ *service.Context, req *http.Request) bool {
		_, ok := req.Header[key]
		return ok
	})
}

// HeaderEquals matches requests where one of the header's values equals value.
func HeaderEquals(name, value string) Matcher {
	return service.MatcherFunc[*http.Request](func(_ *service.Extensions, _ *service.Context, req *http.Request) bool {
		for _, v := range req.Header.Values(name) {
			if v == value {
				return true
			}
		}
		return false
	})
}

// PathParams holds the values captured by a Path matcher.
type PathParams map[string]string

// Path matches the request path against pattern. Segments of the form
// ":name" capture one path segment, and a trailing "*" matches any
// remainder. Captured values are staged as PathParams.
//
//	Path("/lucky/:number")
//	Path("/api/*")
func Path(pattern string) Matcher {
	segs := splitPath(pattern)
	return service.MatcherFunc[*http.Request](func(ext *service.Extensions, _ *service.Context, req *http.Request) bool {
		parts := splitPath(req.URL.Path)
		var params PathParams
		for i, seg := range segs {
			if seg == "*" && i == len(segs)-1 {
				break
			}
			if i >= len(parts) {
				return false
			}
			if name, ok := strings.CutPrefix(seg, ":"); ok {
				if params == nil {
					params = make(PathParams)
				}
				params[name] = parts[i]
				continue
			}
			if seg != parts[i] {
				return false
			}
		}
		if (len(segs) == 0 || segs[len(segs)-1] != "*") && len(parts) != len(segs) {
			return false
		}
		if ext != nil && params != nil {
			service.Insert(ext, params)
		}
		return true
	})
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
