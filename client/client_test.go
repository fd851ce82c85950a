package client

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
)

func serve(t *testing.T, handler fasthttp.RequestHandler) fasthttp.DialFunc {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: handler}

	go func() {
		_ = server.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = server.Shutdown()
		_ = ln.Close()
	})

	return func(string) (net.Conn, error) {
		return ln.Dial()
	}
}

func newClient(t *testing.T, config *types.ClientConfig, dial fasthttp.DialFunc) *HTTPClient {
	t.Helper()

	if config == nil {
		config = &types.ClientConfig{Timeout: time.Second, UserAgent: "sai-offline-test"}
	}

	c := NewHTTPClient(context.Background(), config, testutil.Logger(), nil,
		WithDial(dial), WithRetryBackoff(time.Millisecond))
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })

	return c
}

func get(t *testing.T, raw string) *types.Request {
	t.Helper()

	u, err := url.Parse(raw)
	require.NoError(t, err)

	return &types.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
}

func TestHTTPClient_FetchCopiesResponse(t *testing.T) {
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/app.js", string(ctx.Path()))
		assert.Equal(t, "v=1", string(ctx.QueryArgs().QueryString()))
		assert.Equal(t, "yes", string(ctx.Request.Header.Peek("X-Test")))
		ctx.Response.Header.Set("Content-Type", "application/javascript")
		ctx.Response.Header.Set("Cache-Control", "max-age=60")
		ctx.SetBodyString("console.log(1)")
	})

	c := newClient(t, nil, dial)

	req := get(t, "http://app.local/app.js?v=1")
	req.Header.Set("X-Test", "yes")
	req.Header.Set("Connection", "close")

	resp, err := c.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, "console.log(1)", string(resp.Body))
	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
	assert.Equal(t, "max-age=60", resp.Header.Get("Cache-Control"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, types.SourceNetwork, resp.Source)
}

func TestHTTPClient_StatusIsNotAnError(t *testing.T) {
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(http.StatusNotFound)
		ctx.SetBodyString("missing")
	})

	c := newClient(t, nil, dial)

	resp, err := c.Fetch(context.Background(), get(t, "http://app.local/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "missing", string(resp.Body))
}

func TestHTTPClient_DoesNotFollowRedirects(t *testing.T) {
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.Redirect("/elsewhere", http.StatusFound)
	})

	c := newClient(t, nil, dial)

	resp, err := c.Fetch(context.Background(), get(t, "http://app.local/old"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "/elsewhere")
}

func TestHTTPClient_TransportFailureIsNetworkError(t *testing.T) {
	var attempts atomic.Int32
	dial := func(string) (net.Conn, error) {
		attempts.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errConnRefused}
	}

	c := newClient(t, &types.ClientConfig{Timeout: time.Second, Retries: 2}, dial)

	resp, err := c.Fetch(context.Background(), get(t, "http://app.local/"))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestHTTPClient_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	dial := serve(t, func(ctx *fasthttp.RequestCtx) {
		<-release
	})
	defer close(release)

	c := newClient(t, nil, dial)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Fetch(ctx, get(t, "http://app.local/slow"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClient_RejectsRelativeURL(t *testing.T) {
	c := newClient(t, nil, serve(t, func(*fasthttp.RequestCtx) {}))

	_, err := c.Fetch(context.Background(), &types.Request{Method: http.MethodGet, URL: &url.URL{Path: "/x"}})
	assert.ErrorIs(t, err, types.ErrRequestInvalid)
}

func TestHTTPClient_StoppedClientFails(t *testing.T) {
	c := NewHTTPClient(context.Background(), &types.ClientConfig{Timeout: time.Second}, testutil.Logger(), nil)

	_, err := c.Fetch(context.Background(), get(t, "http://app.local/"))
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.ErrorIs(t, err, types.ErrClientStopped)
}

func TestHTTPClient_OpenBreakerFailsFast(t *testing.T) {
	var attempts atomic.Int32
	dial := func(string) (net.Conn, error) {
		attempts.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errConnRefused}
	}

	c := newClient(t, &types.ClientConfig{
		Timeout: time.Second,
		CircuitBreaker: &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 2,
			RecoveryTimeout:  time.Hour,
			HalfOpenRequests: 1,
		},
	}, dial)

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), get(t, "http://app.local/"))
		require.ErrorIs(t, err, types.ErrNetwork)
	}
	assert.Equal(t, StateBreakerOpen, c.Breaker().GetState())

	dialed := attempts.Load()

	_, err := c.Fetch(context.Background(), get(t, "http://app.local/"))
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.Equal(t, dialed, attempts.Load())
}
