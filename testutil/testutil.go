// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func Logger() types.Logger {
	return logger.NewNop()
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type Reply struct {
	Status int
	Body   string
	Header http.Header
	Err    error
}

// Fetcher answers requests from a table keyed by URL path and counts calls.
// Unknown paths fail with a network error.
type Fetcher struct {
	mu      sync.Mutex
	replies map[string]Reply
	calls   map[string]int
	total   int
	gate    chan struct{}
	entered chan string
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		replies: make(map[string]Reply),
		calls:   make(map[string]int),
	}
}

func (f *Fetcher) On(path string, reply Reply) *Fetcher {
	f.mu.Lock()
	defer f.mu.Unlock()

	if reply.Status == 0 && reply.Err == nil {
		reply.Status = http.StatusOK
	}
	f.replies[path] = reply

	return f
}

func (f *Fetcher) OK(path, body string) *Fetcher {
	return f.On(path, Reply{Status: http.StatusOK, Body: body})
}

func (f *Fetcher) Fail(path string) *Fetcher {
	return f.On(path, Reply{Err: types.Errorf(types.ErrNetwork, "connection refused")})
}

// Hold makes every Fetch wait until the returned release func is called or
// the request context ends. Entered receives the path of each waiting call.
func (f *Fetcher) Hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	gate := make(chan struct{})
	f.gate = gate
	f.entered = make(chan string, 64)

	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

func (f *Fetcher) Entered() <-chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entered
}

func (f *Fetcher) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *Fetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *Fetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	path := req.URL.Path

	f.mu.Lock()
	f.calls[path]++
	f.total++
	reply, ok := f.replies[path]
	gate := f.gate
	entered := f.entered
	f.mu.Unlock()

	if gate != nil {
		entered <- path
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, types.WrapError(ctx.Err(), "fetch abandoned")
		}
	}

	if !ok {
		return nil, types.Errorf(types.ErrNetwork, "no route to %s", path)
	}

	if reply.Err != nil {
		return nil, reply.Err
	}

	header := reply.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	return &types.Response{
		StatusCode: reply.Status,
		StatusText: http.StatusText(reply.Status),
		Header:     header,
		Body:       []byte(reply.Body),
		Source:     types.SourceNetwork,
	}, nil
}
