package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type staticConfig struct{}

func (staticConfig) Load() error { return nil }
func (staticConfig) GetConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-offline",
		Version: "1.0.0",
		Server:  &types.ServerConfig{HTTP: &types.HTTPConfig{Host: "127.0.0.1", Port: 8080}},
	}
}
func (staticConfig) GetValue(_ string, def interface{}) interface{} { return def }
func (staticConfig) GetAs(string, interface{}) error                { return nil }

type fixedState types.LifecycleState

func (f fixedState) State() types.LifecycleState { return types.LifecycleState(f) }

type fixedBreaker string

func (f fixedBreaker) GetStateString() string { return string(f) }

func newManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(context.Background(), staticConfig{}, testutil.Logger())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func newRequestCtx(path string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(path)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)

	return ctx
}

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestCheck_AggregatesStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]types.HealthChecker
		want     types.HealthStatus
	}{
		{
			name:     "all healthy",
			checkers: map[string]types.HealthChecker{"a": healthy, "b": healthy},
			want:     types.StatusHealthy,
		},
		{
			name: "unknown degrades",
			checkers: map[string]types.HealthChecker{"a": healthy, "b": func(context.Context) types.HealthCheck {
				return types.HealthCheck{Status: types.StatusUnknown}
			}},
			want: types.StatusUnknown,
		},
		{
			name: "unhealthy wins",
			checkers: map[string]types.HealthChecker{
				"a": func(context.Context) types.HealthCheck { return types.HealthCheck{Status: types.StatusUnknown} },
				"b": func(context.Context) types.HealthCheck { return types.HealthCheck{Status: types.StatusUnhealthy} },
			},
			want: types.StatusUnhealthy,
		},
		{
			name:     "panic is unhealthy",
			checkers: map[string]types.HealthChecker{"a": func(context.Context) types.HealthCheck { panic("boom") }},
			want:     types.StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			for name, checker := range tt.checkers {
				m.RegisterChecker(name, checker)
			}

			report := m.Check(context.Background())

			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, len(tt.checkers), report.Summary.Total)
			assert.Equal(t, "sai-offline", report.Service.Name)
			for name := range tt.checkers {
				assert.Equal(t, name, report.Checks[name].Name)
			}
		})
	}
}

func TestCheck_Timeout(t *testing.T) {
	m := newManager(t)
	m.checkTimeout = 20 * time.Millisecond

	m.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
}

func TestHandler(t *testing.T) {
	m := newManager(t)
	m.RegisterChecker("ok", healthy)

	ctx := newRequestCtx("/health")
	m.Handler()(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)

	m.RegisterChecker("broken", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy}
	})

	failing := newRequestCtx("/health")
	m.Handler()(failing)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, failing.Response.StatusCode())
}

func TestHandler_NotRunning(t *testing.T) {
	m, err := NewManager(context.Background(), staticConfig{}, testutil.Logger())
	require.NoError(t, err)

	ctx := newRequestCtx("/health")
	m.Handler()(ctx)

	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestVersionHandler(t *testing.T) {
	t.Setenv("BUILD_COMMIT", "0123456789abcdef")

	m := newManager(t)

	ctx := newRequestCtx("/version")
	m.VersionHandler()(ctx)

	var info types.VersionInfo
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &info))

	assert.Equal(t, "1.0.0", info.Version)
	assert.Contains(t, info.BuildInfo, "0123456")
	assert.NotContains(t, info.BuildInfo, "0123456789")
}

func TestStorageChecker(t *testing.T) {
	storage := cache.NewMemoryStorage(testutil.Logger())
	check := StorageChecker(storage)

	assert.Equal(t, types.StatusUnhealthy, check(context.Background()).Status)

	require.NoError(t, storage.Start())
	_, err := storage.Open(context.Background(), "app-api")
	require.NoError(t, err)

	result := check(context.Background())
	assert.Equal(t, types.StatusHealthy, result.Status)
	assert.Equal(t, 1, result.Details["partitions"])
}

func TestLifecycleChecker(t *testing.T) {
	tests := []struct {
		state types.LifecycleState
		want  types.HealthStatus
	}{
		{types.LifecycleActivated, types.StatusHealthy},
		{types.LifecycleInstalling, types.StatusUnknown},
		{types.LifecycleInstalled, types.StatusUnknown},
		{types.LifecycleRedundant, types.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			result := LifecycleChecker(fixedState(tt.state))(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, string(tt.state), result.Details["state"])
		})
	}
}

func TestUpstreamChecker(t *testing.T) {
	assert.Equal(t, types.StatusHealthy, UpstreamChecker(fixedBreaker("closed"))(context.Background()).Status)
	assert.Equal(t, types.StatusHealthy, UpstreamChecker(fixedBreaker("disabled"))(context.Background()).Status)
	assert.Equal(t, types.StatusUnknown, UpstreamChecker(fixedBreaker("open"))(context.Background()).Status)
}
