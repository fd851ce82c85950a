package types

import "github.com/valyala/fasthttp"

// Middleware wraps the request pipeline. Lower weights run first.
type Middleware interface {
	Name() string
	Weight() int
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler)
}

type MiddlewareManager interface {
	Register(middleware Middleware) error
	Wrap(handler fasthttp.RequestHandler) fasthttp.RequestHandler
	Names() []string
}
