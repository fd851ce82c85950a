package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	HeaderFetchDest = "Sec-Fetch-Dest"
	HeaderFetchMode = "Sec-Fetch-Mode"
)

type Interceptor interface {
	Handle(ctx context.Context, req *types.Request) (*types.Response, error)
}

// ProxyHandler turns inbound fasthttp requests into intercepted requests.
// Absolute request URIs are used as is; origin-form requests are resolved
// against the configured origin.
type ProxyHandler struct {
	ctx         context.Context
	interceptor Interceptor
	origin      *url.URL
	logger      types.Logger
}

func NewProxyHandler(ctx context.Context, interceptor Interceptor, origin string, logger types.Logger) (*ProxyHandler, error) {
	if interceptor == nil {
		return nil, types.ErrHandlerIsNil
	}

	originURL, err := url.Parse(origin)
	if err != nil || !originURL.IsAbs() {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "origin %q is not an absolute url", origin)
	}

	return &ProxyHandler{
		ctx:         ctx,
		interceptor: interceptor,
		origin:      originURL,
		logger:      logger,
	}, nil
}

func (p *ProxyHandler) Handle(ctx *fasthttp.RequestCtx) {
	req, err := p.buildRequest(ctx)
	if err != nil {
		p.writeError(ctx, err)
		return
	}

	// The request ctx is recycled once the handler returns, so strategies get
	// their own context, ended early when the client goes away.
	reqCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	stop := watchDisconnect(ctx.Conn(), cancel)
	defer stop()

	resp, err := p.interceptor.Handle(reqCtx, req)
	if err != nil {
		p.logger.Debug("Intercepted request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Error(err))
		p.writeError(ctx, err)
		return
	}

	writeResponse(ctx, resp)
}

func (p *ProxyHandler) buildRequest(ctx *fasthttp.RequestCtx) (*types.Request, error) {
	target, err := url.Parse(string(ctx.Request.Header.RequestURI()))
	if err != nil {
		return nil, types.Errorf(types.ErrRequestInvalid, "%v", err)
	}

	if !target.IsAbs() {
		target = p.origin.ResolveReference(target)
	}

	header := make(http.Header)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := utils.BytesToString(key)
		if client.IsHopHeader(name) || strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			return
		}
		header.Add(string(key), string(value))
	})

	var body []byte
	if len(ctx.PostBody()) > 0 {
		body = make([]byte, len(ctx.PostBody()))
		copy(body, ctx.PostBody())
	}

	return &types.Request{
		Method:      string(ctx.Method()),
		URL:         target,
		Header:      header,
		Body:        body,
		Destination: strings.ToLower(string(ctx.Request.Header.Peek(HeaderFetchDest))),
		Mode:        strings.ToLower(string(ctx.Request.Header.Peek(HeaderFetchMode))),
	}, nil
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.Response) {
	ctx.SetStatusCode(resp.StatusCode)
	if resp.StatusText != "" && resp.StatusText != http.StatusText(resp.StatusCode) {
		ctx.Response.Header.SetStatusMessage([]byte(resp.StatusText))
	}

	for key, values := range resp.Header {
		if client.IsHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			ctx.Response.Header.Add(key, value)
		}
	}

	if resp.Source != "" {
		ctx.Response.Header.Set(middleware.CacheSourceHeader, string(resp.Source))
	}

	ctx.SetBody(resp.Body)
}

func (p *ProxyHandler) writeError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case types.IsError(err, types.ErrRequestInvalid):
		utils.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
	case types.IsError(err, types.ErrNetwork):
		utils.WriteJSONError(ctx, fasthttp.StatusBadGateway, "Upstream unreachable")
	case types.IsError(err, types.ErrStorage):
		p.logger.ErrorWithErrStack("Cache storage failure", err, zap.ByteString("uri", ctx.RequestURI()))
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "Cache storage failure")
	default:
		p.logger.Error("Request failed", zap.ByteString("uri", ctx.RequestURI()), zap.Error(err))
		utils.CreateErrorResponse(ctx)
	}
}
