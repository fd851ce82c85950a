package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerStopped
)

// CircuitBreaker trips after FailureThreshold consecutive upstream failures
// and rejects fetches until RecoveryTimeout has passed. While half-open it
// lets probes through and closes after HalfOpenRequests successes.
type CircuitBreaker struct {
	config    *types.CircuitBreakerConfig
	logger    types.Logger
	upstream  string
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.Mutex
	now       func() time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, upstream string) *CircuitBreaker {
	cb := &CircuitBreaker{
		config:   config,
		logger:   logger,
		upstream: upstream,
		now:      time.Now,
	}

	if config == nil || !config.Enabled {
		cb.config = &types.CircuitBreakerConfig{Enabled: false}
	}

	cb.state.Store(StateBreakerClosed)

	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed, StateBreakerHalfOpen:
		return true
	case StateBreakerOpen:
		if cb.now().Sub(time.Unix(0, cb.lastFail.Load())) >= cb.config.RecoveryTimeout {
			cb.transitionToHalfOpen()
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		if successes >= int32(max(cb.config.HalfOpenRequests, 1)) {
			cb.transitionToClosed()
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.now().UnixNano())

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Upstream failure recorded",
			zap.String("upstream", cb.upstream),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(max(cb.config.FailureThreshold, 1)) {
			cb.transitionToOpen()
		}
	case StateBreakerHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	if cb == nil {
		return StateBreakerClosed
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.getStateUnsafe()
}

func (cb *CircuitBreaker) GetStateString() string {
	if cb == nil || !cb.config.Enabled {
		return "disabled"
	}

	return cb.GetState().String()
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	oldState := cb.getStateUnsafe()
	if oldState == StateBreakerStopped {
		return
	}

	cb.transitionToClosed()

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("upstream", cb.upstream),
		zap.String("old_state", oldState.String()))
}

// Stop moves the breaker to its terminal state; every later CanExecute is
// rejected.
func (cb *CircuitBreaker) Stop() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state.Store(StateBreakerStopped)
}

func (cb *CircuitBreaker) getStateUnsafe() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.state.Store(StateBreakerClosed)
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastFail.Store(0)
	cb.logger.Info("Circuit breaker closed", zap.String("upstream", cb.upstream))
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.state.Store(StateBreakerOpen)
	cb.successes.Store(0)
	cb.logger.Warn("Circuit breaker opened",
		zap.String("upstream", cb.upstream),
		zap.Int32("failures", cb.failures.Load()),
		zap.Int("threshold", cb.config.FailureThreshold),
		zap.Duration("recovery_timeout", cb.config.RecoveryTimeout))
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.state.Store(StateBreakerHalfOpen)
	cb.successes.Store(0)
	cb.logger.Info("Circuit breaker half-open", zap.String("upstream", cb.upstream))
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsCircuitBreakerFailure reports whether an upstream outcome counts against
// the breaker. Gateway and throttling statuses count like transport errors.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether a transport error may succeed when sent
// again. Cancellation of the caller's context and a stopped client are final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, context.Canceled) && !errors.Is(err, types.ErrClientStopped)
}
