//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/types"
)

type blockingInterceptor struct {
	entered   chan struct{}
	cancelled chan struct{}
}

func (b *blockingInterceptor) Handle(ctx context.Context, _ *types.Request) (*types.Response, error) {
	close(b.entered)

	select {
	case <-ctx.Done():
		close(b.cancelled)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return &types.Response{StatusCode: http.StatusOK}, nil
	}
}

type countingInterceptor struct {
	calls     atomic.Int32
	cancelled atomic.Int32
}

func (c *countingInterceptor) Handle(ctx context.Context, _ *types.Request) (*types.Response, error) {
	c.calls.Add(1)
	if ctx.Err() != nil {
		c.cancelled.Add(1)
	}
	return &types.Response{StatusCode: http.StatusOK, Body: []byte("ok"), Source: types.SourceNetwork}, nil
}

func serveTCP(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fasthttp.Server{Handler: handler}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Shutdown() })

	return ln.Addr().String()
}

func TestProxy_ClientDisconnectCancelsRequest(t *testing.T) {
	interceptor := &blockingInterceptor{entered: make(chan struct{}), cancelled: make(chan struct{})}
	addr := serveTCP(t, newProxy(t, interceptor).Handle)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte("GET /app.js HTTP/1.1\r\nHost: app.example\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-interceptor.entered:
	case <-time.After(time.Second):
		t.Fatal("request never reached the interceptor")
	}

	require.NoError(t, conn.Close())

	select {
	case <-interceptor.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("request context outlived the client connection")
	}
}

func TestProxy_KeepAliveAfterWatch(t *testing.T) {
	interceptor := &countingInterceptor{}
	addr := serveTCP(t, newProxy(t, interceptor).Handle)

	client := &fasthttp.HostClient{Addr: addr, MaxConns: 1}

	for i := 0; i < 3; i++ {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI("http://" + addr + "/app.js")
		require.NoError(t, client.DoTimeout(req, resp, time.Second))
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		assert.Equal(t, "ok", string(resp.Body()))

		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	assert.Equal(t, int32(3), interceptor.calls.Load())
	assert.Zero(t, interceptor.cancelled.Load())
}
