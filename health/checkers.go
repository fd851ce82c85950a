package health

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

type stateReporter interface {
	State() types.LifecycleState
}

type breakerReporter interface {
	GetStateString() string
}

// StorageChecker is healthy while the backend answers a partition listing.
func StorageChecker(storage types.CacheStorage) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if !storage.IsRunning() {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "storage is not running"}
		}

		names, err := storage.Names(ctx)
		if err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}

		return types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"partitions": len(names)},
		}
	}
}

// LifecycleChecker reports the version lifecycle. A redundant version can
// no longer serve; anything short of activated is still unknown.
func LifecycleChecker(lifecycle stateReporter) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		state := lifecycle.State()
		details := map[string]interface{}{"state": string(state)}

		switch state {
		case types.LifecycleActivated:
			return types.HealthCheck{Status: types.StatusHealthy, Details: details}
		case types.LifecycleRedundant:
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "install failed", Details: details}
		default:
			return types.HealthCheck{Status: types.StatusUnknown, Message: "not activated", Details: details}
		}
	}
}

// UpstreamChecker surfaces the circuit breaker. An open breaker means the
// service is answering from cache, which is degraded but expected.
func UpstreamChecker(breaker breakerReporter) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		state := breaker.GetStateString()
		details := map[string]interface{}{"circuit_breaker": state}

		if state == "open" {
			return types.HealthCheck{Status: types.StatusUnknown, Message: "upstream unavailable", Details: details}
		}

		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}
