// Package router maps (method, path) pairs to handlers using a static table.
//
// Patterns are either exact paths ("/channels") or prefixes ending in a slash
// ("/channel/"). Exact matches win over prefixes; among prefixes the longest
// wins. Routes are registered once at startup and never mutated while
// dispatching.
package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/ordmap"
)

// HandlerFunc handles a routed request. tail is the part of the path after a
// prefix pattern, or "" for exact routes.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, tail string)

type Route struct {
	Method  string
	Pattern string
	Handler HandlerFunc
}

type Router struct {
	// Keyed by pattern; each pattern holds its routes by method.
	routes *ordmap.Map[*ordmap.Map[Route]]
}

func New() *Router {
	return &Router{routes: ordmap.New[*ordmap.Map[Route]]()}
}

// Handle registers h for method and pattern.
func (rt *Router) Handle(method, pattern string, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("route %s %s: nil handler", method, pattern)
	}
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("route %s %s: pattern must start with /", method, pattern)
	}
	byMethod, err := rt.routes.Find(pattern)
	if err != nil {
		byMethod = ordmap.New[Route]()
		_ = rt.routes.Insert(pattern, byMethod)
	}
	if err := byMethod.Insert(method, Route{Method: method, Pattern: pattern, Handler: h}); err != nil {
		return fmt.Errorf("route %s %s: %w", method, pattern, err)
	}
	return nil
}

// Routes lists every registered route ordered by pattern, then method.
func (rt *Router) Routes() []Route {
	var out []Route
	rt.routes.Range(func(_ string, byMethod *ordmap.Map[Route]) bool {
		out = append(out, byMethod.Values()...)
		return true
	})
	return out
}

// Match finds the route for method and path.
func (rt *Router) Match(method, path string) (Route, string, bool) {
	if byMethod, err := rt.routes.Find(path); err == nil {
		if route, err := byMethod.Find(method); err == nil {
			return route, "", true
		}
	}

	var (
		best    Route
		bestLen = -1
	)
	rt.routes.Range(func(pattern string, byMethod *ordmap.Map[Route]) bool {
		if !strings.HasSuffix(pattern, "/") || !strings.HasPrefix(path, pattern) || len(pattern) <= bestLen {
			return true
		}
		if route, err := byMethod.Find(method); err == nil {
			best, bestLen = route, len(pattern)
		}
		return true
	})
	if bestLen < 0 {
		return Route{}, "", false
	}
	return best, path[bestLen:], true
}

// Dispatch runs the matching handler. It returns false when no route matched;
// the caller then falls back to serving static content.
func (rt *Router) Dispatch(w http.ResponseWriter, r *http.Request) bool {
	route, tail, ok := rt.Match(r.Method, r.URL.Path)
	if !ok {
		return false
	}
	route.Handler(w, r, tail)
	return true
}
