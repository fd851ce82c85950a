package client

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
)

var errConnRefused = syscall.ECONNREFUSED

func newBreaker(clock *testutil.Clock) *CircuitBreaker {
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 2,
	}, testutil.Logger(), "test")
	cb.now = clock.Now

	return cb
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := newBreaker(testutil.NewClock(time.Unix(1000, 0)))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.GetState())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := newBreaker(testutil.NewClock(time.Unix(1000, 0)))

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateBreakerClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := testutil.NewClock(time.Unix(1000, 0))
	cb := newBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.Advance(29 * time.Second)
	assert.False(t, cb.CanExecute())

	clock.Advance(time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.GetStateString())

	cb.RecordSuccess()
	assert.Equal(t, StateBreakerHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, StateBreakerClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := testutil.NewClock(time.Unix(1000, 0))
	cb := newBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(time.Minute)
	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.GetState())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_DisabledAlwaysExecutes(t *testing.T) {
	cb := NewCircuitBreaker(nil, testutil.Logger(), "test")

	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}

	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.GetStateString())
}

func TestCircuitBreaker_StopRejects(t *testing.T) {
	cb := newBreaker(testutil.NewClock(time.Unix(1000, 0)))
	cb.Stop()

	assert.False(t, cb.CanExecute())

	cb.Reset()
	assert.Equal(t, StateBreakerStopped, cb.GetState())
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "refused", err: syscall.ECONNREFUSED, want: true},
		{name: "reset", err: syscall.ECONNRESET, want: true},
		{name: "other", err: errors.New("boom"), want: true},
		{name: "stopped", err: types.ErrClientStopped, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestIsCircuitBreakerFailure(t *testing.T) {
	assert.True(t, IsCircuitBreakerFailure(200, errors.New("x")))
	assert.True(t, IsCircuitBreakerFailure(503, nil))
	assert.True(t, IsCircuitBreakerFailure(429, nil))
	assert.False(t, IsCircuitBreakerFailure(404, nil))
	assert.False(t, IsCircuitBreakerFailure(200, nil))
}
