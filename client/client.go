package client

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Option func(*HTTPClient)

// WithDial replaces the transport dialer. Tests use it with an in-memory
// listener.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *HTTPClient) {
		c.client.Dial = dial
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(c *HTTPClient) {
		c.retryBackoff = backoff
	}
}

// HTTPClient performs upstream fetches with fasthttp. Redirects are returned
// as responses, never followed.
type HTTPClient struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	metrics      types.MetricsManager
	config       *types.ClientConfig
	client       *fasthttp.Client
	breaker      *CircuitBreaker
	state        atomic.Value
	retryBackoff time.Duration
}

func NewHTTPClient(ctx context.Context, config *types.ClientConfig, logger types.Logger, metrics types.MetricsManager, opts ...Option) *HTTPClient {
	clientCtx, cancel := context.WithCancel(ctx)

	httpClient := &fasthttp.Client{
		Name:                   config.UserAgent,
		ReadTimeout:            config.Timeout,
		WriteTimeout:           config.Timeout,
		MaxConnsPerHost:        config.MaxConnsPerHost,
		MaxIdleConnDuration:    config.MaxIdleConnDuration,
		DisablePathNormalizing: true,
	}

	c := &HTTPClient{
		ctx:          clientCtx,
		cancel:       cancel,
		logger:       logger,
		metrics:      metrics,
		config:       config,
		client:       httpClient,
		breaker:      NewCircuitBreaker(config.CircuitBreaker, logger, "upstream"),
		retryBackoff: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.state.Store(StateStopped)

	return c
}

func (c *HTTPClient) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	c.state.Store(StateRunning)
	c.logger.Info("Upstream client started",
		zap.Duration("timeout", c.config.Timeout),
		zap.Int("retries", c.config.Retries),
		zap.String("circuit_breaker", c.breaker.GetStateString()))

	return nil
}

func (c *HTTPClient) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.state.Store(StateStopped)

	c.cancel()
	c.breaker.Stop()
	c.client.CloseIdleConnections()

	c.logger.Info("Upstream client stopped")

	return nil
}

func (c *HTTPClient) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *HTTPClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Fetch sends req upstream. Every failure to obtain a response is returned
// as a types.ErrNetwork error; any HTTP status is a response.
func (c *HTTPClient) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if !c.IsRunning() {
		return nil, types.NetworkError(types.ErrClientStopped)
	}

	if req == nil || req.URL == nil || !req.URL.IsAbs() {
		return nil, types.Errorf(types.ErrRequestInvalid, "absolute url required")
	}

	start := time.Now()
	resp, err := c.executeWithRetries(ctx, req)

	result := "success"
	if err != nil {
		result = "error"
		c.logger.Debug("Upstream fetch failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.String()),
			zap.Error(err))
	}
	c.recordMetric(result, time.Since(start))

	return resp, err
}

func (c *HTTPClient) executeWithRetries(ctx context.Context, req *types.Request) (*types.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if !c.breaker.CanExecute() {
			return nil, types.NetworkError(types.Errorf(types.ErrCircuitBreakerOpen, "%s", req.URL.Host))
		}

		resp, err := c.do(ctx, req)
		if err == nil {
			if IsCircuitBreakerFailure(resp.StatusCode, nil) {
				c.breaker.RecordFailure()
			} else {
				c.breaker.RecordSuccess()
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, types.NetworkError(types.WrapError(ctx.Err(), "fetch cancelled"))
		}

		c.breaker.RecordFailure()
		lastErr = err

		if attempt == c.config.Retries || !IsRetryableError(err) {
			break
		}

		backoff := time.Duration(attempt+1) * c.retryBackoff

		select {
		case <-time.After(backoff):
			c.logger.Debug("Retrying upstream fetch",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
		case <-ctx.Done():
			return nil, types.NetworkError(types.WrapError(ctx.Err(), "fetch cancelled during retry"))
		case <-c.ctx.Done():
			return nil, types.NetworkError(types.ErrClientStopped)
		}
	}

	return nil, types.NetworkError(lastErr)
}

type fetchResult struct {
	resp *types.Response
	err  error
}

// do runs one exchange on its own goroutine so the caller can abandon it on
// cancellation. The goroutine owns the pooled fasthttp objects.
func (c *HTTPClient) do(ctx context.Context, req *types.Request) (*types.Response, error) {
	done := make(chan fetchResult, 1)

	go func() {
		freq := fasthttp.AcquireRequest()
		fresp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(freq)
		defer fasthttp.ReleaseResponse(fresp)

		c.buildRequest(freq, req)

		var err error
		if c.config.Timeout > 0 {
			err = c.client.DoTimeout(freq, fresp, c.config.Timeout)
		} else {
			err = c.client.Do(freq, fresp)
		}
		if err != nil {
			done <- fetchResult{err: err}
			return
		}

		done <- fetchResult{resp: convertResponse(fresp)}
	}()

	select {
	case result := <-done:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, types.ErrClientStopped
	}
}

func (c *HTTPClient) buildRequest(freq *fasthttp.Request, req *types.Request) {
	freq.SetRequestURI(req.URL.String())
	freq.Header.SetMethod(strings.ToUpper(req.Method))

	for key, values := range req.Header {
		if IsHopHeader(key) || strings.EqualFold(key, "Host") {
			continue
		}
		for _, value := range values {
			freq.Header.Add(key, value)
		}
	}

	if len(req.Body) > 0 {
		freq.SetBody(req.Body)
	}
}

func convertResponse(fresp *fasthttp.Response) *types.Response {
	header := make(http.Header)
	fresp.Header.VisitAll(func(key, value []byte) {
		name := utils.BytesToString(key)
		if IsHopHeader(name) || strings.EqualFold(name, "Content-Length") {
			return
		}
		header.Add(string(key), string(value))
	})

	body := make([]byte, len(fresp.Body()))
	copy(body, fresp.Body())

	return &types.Response{
		StatusCode: fresp.StatusCode(),
		StatusText: http.StatusText(fresp.StatusCode()),
		Header:     header,
		Body:       body,
		Source:     types.SourceNetwork,
	}
}

// IsHopHeader reports whether name is a hop-by-hop header that a proxy must
// not forward.
func IsHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

func (c *HTTPClient) recordMetric(result string, duration time.Duration) {
	if c.metrics == nil {
		return
	}

	c.metrics.Counter("upstream_requests_total", map[string]string{
		"result": result,
	}).Inc()

	c.metrics.Histogram("upstream_request_duration_seconds",
		[]float64{0.005, 0.05, 0.25, 1, 5},
		map[string]string{"result": result},
	).Observe(duration.Seconds())
}

func (c *HTTPClient) getState() State {
	return c.state.Load().(State)
}

func (c *HTTPClient) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
