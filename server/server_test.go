package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/events"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/registry"
	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const testOrigin = "https://app.example"

type staticConfig struct {
	config *types.ServiceConfig
}

func (s staticConfig) Load() error                                    { return nil }
func (s staticConfig) GetConfig() *types.ServiceConfig                { return s.config }
func (s staticConfig) GetValue(_ string, def interface{}) interface{} { return def }
func (s staticConfig) GetAs(_ string, _ interface{}) error            { return nil }

type fakeInterceptor struct {
	mu   sync.Mutex
	last *types.Request
	resp *types.Response
	err  error
}

func (f *fakeInterceptor) Handle(_ context.Context, req *types.Request) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp.Clone(), nil
}

func (f *fakeInterceptor) lastRequest() *types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeCommands struct {
	got   types.CommandType
	reply types.CommandReply
	err   error
}

func (f *fakeCommands) Send(_ context.Context, commandType types.CommandType) (types.CommandReply, error) {
	f.got = commandType
	return f.reply, f.err
}

func TestRouter(t *testing.T) {
	router := NewRouter()

	var hit string
	router.GET("/__offline/health", func(*fasthttp.RequestCtx) { hit = "health" })
	router.POST("/__offline/sync/{tag}", func(ctx *fasthttp.RequestCtx) {
		hit = "sync:" + ctx.UserValue("tag").(string)
	})
	router.Fallback(func(*fasthttp.RequestCtx) { hit = "fallback" })

	cases := []struct {
		method string
		path   string
		want   string
	}{
		{"GET", "/__offline/health", "health"},
		{"GET", "/__offline/health/", "health"},
		{"POST", "/__offline/sync/refresh-core", "sync:refresh-core"},
		{"GET", "/__offline/sync/refresh-core", "fallback"},
		{"POST", "/__offline/sync", "fallback"},
		{"GET", "/index.html", "fallback"},
	}

	handler := router.Handler()
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			hit = ""
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod(tc.method)
			ctx.Request.SetRequestURI(tc.path)

			handler(ctx)
			assert.Equal(t, tc.want, hit)
		})
	}
}

func TestRouter_NotFoundWithoutFallback(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/missing")

	NewRouter().Handler()(ctx)

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func newProxy(t *testing.T, interceptor Interceptor) *ProxyHandler {
	t.Helper()

	proxy, err := NewProxyHandler(context.Background(), interceptor, testOrigin, testutil.Logger())
	require.NoError(t, err)

	return proxy
}

func TestNewProxyHandler_Validation(t *testing.T) {
	_, err := NewProxyHandler(context.Background(), nil, testOrigin, testutil.Logger())
	assert.ErrorIs(t, err, types.ErrHandlerIsNil)

	_, err = NewProxyHandler(context.Background(), &fakeInterceptor{}, "/relative", testutil.Logger())
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestProxyHandler_BuildRequest(t *testing.T) {
	proxy := newProxy(t, &fakeInterceptor{})

	t.Run("origin form", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod("GET")
		ctx.Request.SetRequestURI("/api/items?page=2")
		ctx.Request.Header.Set(HeaderFetchDest, "Document")
		ctx.Request.Header.Set(HeaderFetchMode, "navigate")
		ctx.Request.Header.Set("Connection", "keep-alive")
		ctx.Request.Header.Set("Accept", "application/json")

		req, err := proxy.buildRequest(ctx)
		require.NoError(t, err)

		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "https://app.example/api/items?page=2", req.URL.String())
		assert.Equal(t, types.DestinationDocument, req.Destination)
		assert.Equal(t, types.ModeNavigate, req.Mode)
		assert.True(t, req.IsNavigation())
		assert.Equal(t, "application/json", req.Header.Get("Accept"))
		assert.Empty(t, req.Header.Get("Connection"))
		assert.Empty(t, req.Header.Get("Host"))
	})

	t.Run("absolute form", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod("POST")
		ctx.Request.Header.SetRequestURI("https://images.example/cat.png")
		ctx.Request.SetBodyString(`{"x":1}`)

		req, err := proxy.buildRequest(ctx)
		require.NoError(t, err)

		assert.Equal(t, "https://images.example/cat.png", req.URL.String())
		assert.Equal(t, []byte(`{"x":1}`), req.Body)
	})
}

func TestProxyHandler_WritesResponse(t *testing.T) {
	interceptor := &fakeInterceptor{resp: &types.Response{
		StatusCode: http.StatusOK,
		StatusText: "OK",
		Header: http.Header{
			"Content-Type":      {"text/css"},
			"Transfer-Encoding": {"chunked"},
		},
		Body:   []byte("body{}"),
		Source: types.SourceCache,
	}}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/app.css")
	newProxy(t, interceptor).Handle(ctx)

	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "text/css", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, "cache", string(ctx.Response.Header.Peek(middleware.CacheSourceHeader)))
	assert.Equal(t, "body{}", string(ctx.Response.Body()))
	assert.Equal(t, "https://app.example/app.css", interceptor.lastRequest().URL.String())
}

func TestProxyHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"network", types.NetworkError(errors.New("connection refused")), fasthttp.StatusBadGateway},
		{"breaker open", types.NetworkError(types.ErrCircuitBreakerOpen), fasthttp.StatusBadGateway},
		{"storage", types.StorageError("put", errors.New("disk full")), fasthttp.StatusInternalServerError},
		{"invalid", types.Errorf(types.ErrRequestInvalid, "bad"), fasthttp.StatusBadRequest},
		{"other", errors.New("unexpected"), fasthttp.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI("/api/status")
			newProxy(t, &fakeInterceptor{err: tc.err}).Handle(ctx)

			assert.Equal(t, tc.status, ctx.Response.StatusCode())
			assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))
		})
	}
}

type harness struct {
	client      *fasthttp.Client
	interceptor *fakeInterceptor
	commands    *fakeCommands
	storage     *cache.MemoryStorage
	registry    *registry.Registry
	server      *FastHTTPServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctx := context.Background()
	logger := testutil.Logger()

	h := &harness{
		interceptor: &fakeInterceptor{resp: &types.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       []byte("from network"),
			Source:     types.SourceNetwork,
		}},
		commands: &fakeCommands{reply: types.CommandReply{Success: true}},
		storage:  cache.NewMemoryStorage(logger),
	}
	require.NoError(t, h.storage.Start())
	t.Cleanup(func() { _ = h.storage.Stop() })

	var err error
	h.registry, err = registry.Static("v2", types.PartitionSpec{
		Role:       types.RoleAPI,
		Name:       "offline-api",
		MaxEntries: 50,
		TTL:        5 * time.Minute,
	})
	require.NoError(t, err)

	dispatcher := events.NewDispatcher(ctx, logger, nil)
	dispatcher.On(types.EventPush, func(_ context.Context, event types.Event) error {
		if len(event.Data) == 0 {
			return types.Errorf(types.ErrPushPayloadInvalid, "empty")
		}
		return nil
	})
	dispatcher.RegisterSync("refresh-core", func(context.Context) error { return nil })
	require.NoError(t, dispatcher.Start())
	t.Cleanup(func() { _ = dispatcher.Stop() })

	config := staticConfig{&types.ServiceConfig{
		Server: &types.ServerConfig{HTTP: &types.HTTPConfig{AdminPrefix: "/__offline"}},
	}}

	router := NewRouter()
	RegisterAdminRoutes(ctx, router, "/__offline", AdminDeps{
		Commands:   h.commands,
		Dispatcher: dispatcher,
		Storage:    h.storage,
		Plan:       h.registry,
		Logger:     logger,
		Timeout:    time.Second,
	})
	router.Fallback(newProxy(t, h.interceptor).Handle)

	middlewares, err := middleware.NewManager(config, logger, nil)
	require.NoError(t, err)
	require.NoError(t, middlewares.Register(middleware.NewMetadataMiddleware(staticConfig{&types.ServiceConfig{
		Middlewares: &types.MiddlewaresConfig{},
	}}, logger)))

	h.server, err = NewHTTPServer(ctx, config, logger, middlewares, router)
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, h.server.Serve(ln))
	t.Cleanup(func() { _ = h.server.Stop() })

	h.client = &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}

	return h
}

func (h *harness) do(t *testing.T, method, uri, body string) *fasthttp.Response {
	t.Helper()

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://sai-offline.local" + uri)
	if body != "" {
		req.SetBodyString(body)
	}

	resp := &fasthttp.Response{}
	require.NoError(t, h.client.DoTimeout(req, resp, 2*time.Second))

	return resp
}

func TestServer_Proxy(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.server.IsRunning())

	resp := h.do(t, "GET", "/index.html", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "from network", string(resp.Body()))
	assert.Equal(t, "network", string(resp.Header.Peek(middleware.CacheSourceHeader)))
	assert.NotEmpty(t, resp.Header.Peek(middleware.RequestIDHeader))
	assert.Equal(t, "https://app.example/index.html", h.interceptor.lastRequest().URL.String())
}

func TestServer_Command(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, "POST", "/__offline/command", `{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, types.CommandClearCache, h.commands.got)

	var reply types.CommandReply
	require.NoError(t, utils.Unmarshal(resp.Body(), &reply))
	assert.True(t, reply.Success)

	resp = h.do(t, "POST", "/__offline/command", `{"type":"RELOAD"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	resp = h.do(t, "POST", "/__offline/command", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())

	h.commands.reply = types.CommandReply{Error: "storage down"}
	resp = h.do(t, "POST", "/__offline/command", `{"type":"CLEAR_CACHE"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
}

func TestServer_Events(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		uri    string
		body   string
		status int
	}{
		{"push", "/__offline/push", `{"title":"hi"}`, http.StatusOK},
		{"push without payload", "/__offline/push", "", http.StatusBadRequest},
		{"no click handler", "/__offline/notificationclick", `{}`, http.StatusNotFound},
		{"known sync tag", "/__offline/sync/refresh-core", "", http.StatusOK},
		{"unknown sync tag", "/__offline/sync/nope", "", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, "POST", tc.uri, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode(), string(resp.Body()))
		})
	}
}

func TestServer_Partitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	api, err := h.storage.Open(ctx, "offline-api")
	require.NoError(t, err)
	require.NoError(t, api.Put(ctx, &types.CacheEntry{Key: "GET https://app.example/api/a", StatusCode: 200}))
	require.NoError(t, api.Put(ctx, &types.CacheEntry{Key: "GET https://app.example/api/b", StatusCode: 200}))

	_, err = h.storage.Open(ctx, "offline-core-v1")
	require.NoError(t, err)

	resp := h.do(t, "GET", "/__offline/partitions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode())

	var infos []PartitionInfo
	require.NoError(t, utils.Unmarshal(resp.Body(), &infos))
	assert.Equal(t, []PartitionInfo{
		{Name: "offline-api", Entries: 2, Role: "api", MaxEntries: 50, TTL: "5m0s"},
		{Name: "offline-core-v1", Entries: 0},
	}, infos)
}

func TestServer_Lifecycle(t *testing.T) {
	config := staticConfig{&types.ServiceConfig{
		Server: &types.ServerConfig{HTTP: &types.HTTPConfig{AdminPrefix: "/__offline"}},
	}}

	_, err := NewHTTPServer(context.Background(), config, testutil.Logger(), nil, nil)
	assert.ErrorIs(t, err, types.ErrHandlerIsNil)

	s, err := NewHTTPServer(context.Background(), config, testutil.Logger(), nil, NewRouter())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(), types.ErrServerNotRunning)

	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, s.Serve(ln))
	assert.ErrorIs(t, s.Serve(ln), types.ErrServerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestWaitTask(t *testing.T) {
	done := make(chan error, 1)
	done <- types.ErrSyncTagUnknown
	close(done)
	assert.ErrorIs(t, WaitTask(context.Background(), done), types.ErrSyncTagUnknown)

	closed := make(chan error)
	close(closed)
	assert.NoError(t, WaitTask(context.Background(), closed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitTask(ctx, make(chan error)), context.Canceled)
}

func TestListPartitions_Empty(t *testing.T) {
	storage := cache.NewMemoryStorage(testutil.Logger())
	require.NoError(t, storage.Start())
	defer func() { _ = storage.Stop() }()

	infos, err := ListPartitions(context.Background(), storage, nil)
	require.NoError(t, err)
	assert.Empty(t, infos)
}
