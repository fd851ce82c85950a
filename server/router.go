package server

import (
	"bytes"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/utils"
)

var (
	getBytes     = []byte("GET")
	postBytes    = []byte("POST")
	putBytes     = []byte("PUT")
	deleteBytes  = []byte("DELETE")
	patchBytes   = []byte("PATCH")
	headBytes    = []byte("HEAD")
	optionsBytes = []byte("OPTIONS")
)

const unknownMethod uint8 = 255

type compiledRoute struct {
	methodIdx  uint8
	pattern    string
	handler    fasthttp.RequestHandler
	paramNames []string
	segments   []string
}

// Router serves the admin surface. Static paths are looked up in a map,
// patterns with {param} segments are matched in registration order and
// everything else goes to the fallback handler.
type Router struct {
	staticRoutes   map[string]fasthttp.RequestHandler
	compiledRoutes []*compiledRoute
	fallback       fasthttp.RequestHandler
	mu             sync.RWMutex
}

func NewRouter() *Router {
	return &Router{
		staticRoutes: make(map[string]fasthttp.RequestHandler),
	}
}

func (r *Router) GET(path string, handler fasthttp.RequestHandler) {
	r.Add("GET", path, handler)
}

func (r *Router) POST(path string, handler fasthttp.RequestHandler) {
	r.Add("POST", path, handler)
}

func (r *Router) Add(method, path string, handler fasthttp.RequestHandler) {
	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(path, "{}") {
		r.staticRoutes[method+":"+path] = handler
		return
	}

	r.compiledRoutes = append(r.compiledRoutes, &compiledRoute{
		methodIdx:  getMethodIndex([]byte(method)),
		pattern:    path,
		handler:    handler,
		paramNames: extractParamNames(path),
		segments:   parsePathSegments(path),
	})
}

// Fallback sets the handler for requests no route matches.
func (r *Router) Fallback(handler fasthttp.RequestHandler) {
	r.mu.Lock()
	r.fallback = handler
	r.mu.Unlock()
}

func (r *Router) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := ctx.Method()
		path := ctx.Path()

		if handler := r.findStaticRoute(method, path); handler != nil {
			handler(ctx)
			return
		}

		if handler, params := r.findDynamicRoute(method, path); handler != nil {
			for name, value := range params {
				ctx.SetUserValue(name, value)
			}
			handler(ctx)
			return
		}

		r.mu.RLock()
		fallback := r.fallback
		r.mu.RUnlock()

		if fallback != nil {
			fallback(ctx)
			return
		}

		utils.WriteJSONError(ctx, fasthttp.StatusNotFound, "Not found")
	}
}

func (r *Router) findStaticRoute(method, path []byte) fasthttp.RequestHandler {
	key := string(method) + ":" + normalizePath(string(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.staticRoutes[key]
}

func (r *Router) findDynamicRoute(method, path []byte) (fasthttp.RequestHandler, map[string]string) {
	methodIdx := getMethodIndex(method)
	if methodIdx == unknownMethod {
		return nil, nil
	}

	pathSegments := parsePathSegments(normalizePath(string(path)))

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.compiledRoutes {
		if route.methodIdx != methodIdx {
			continue
		}
		if params := matchRoute(pathSegments, route); params != nil {
			return route.handler, params
		}
	}

	return nil, nil
}

func getMethodIndex(method []byte) uint8 {
	switch {
	case bytes.Equal(method, getBytes):
		return 0
	case bytes.Equal(method, postBytes):
		return 1
	case bytes.Equal(method, putBytes):
		return 2
	case bytes.Equal(method, deleteBytes):
		return 3
	case bytes.Equal(method, patchBytes):
		return 4
	case bytes.Equal(method, headBytes):
		return 5
	case bytes.Equal(method, optionsBytes):
		return 6
	default:
		return unknownMethod
	}
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func parsePathSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}

	return strings.Split(path, "/")
}

func extractParamNames(pattern string) []string {
	var params []string

	for _, seg := range parsePathSegments(pattern) {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, seg[1:len(seg)-1])
		}
	}

	return params
}

func matchRoute(pathSegments []string, route *compiledRoute) map[string]string {
	if len(pathSegments) != len(route.segments) {
		return nil
	}

	params := make(map[string]string, len(route.paramNames))
	paramIdx := 0

	for i, routeSegment := range route.segments {
		if strings.HasPrefix(routeSegment, "{") {
			if pathSegments[i] == "" {
				return nil
			}
			if paramIdx < len(route.paramNames) {
				params[route.paramNames[paramIdx]] = pathSegments[i]
				paramIdx++
			}
		} else if routeSegment != pathSegments[i] {
			return nil
		}
	}

	return params
}
