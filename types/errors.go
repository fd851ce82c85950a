package types

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrServerStopFailed     = errors.New("server stop failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
	ErrMiddlewareExists     = errors.New("middleware already registered")
)

var (
	ErrStorage              = errors.New("cache storage failure")
	ErrStorageTypeUnknown   = errors.New("cache storage type unknown")
	ErrPartitionNameEmpty   = errors.New("partition name empty")
	ErrPartitionRoleUnknown = errors.New("partition role unknown")
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrEntryEncode          = errors.New("cache entry encode failed")
	ErrEntryDecode          = errors.New("cache entry decode failed")
	ErrEntryTooLarge        = errors.New("cache entry too large")
)

var (
	ErrNetwork            = errors.New("network request failed")
	ErrClientStopped      = errors.New("client stopped")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrRequestInvalid     = errors.New("request invalid")
	ErrStrategyUnknown    = errors.New("strategy unknown")
)

var (
	ErrLifecycleInvalidState = errors.New("lifecycle invalid state")
	ErrInstallFailed         = errors.New("install failed")
	ErrActivateFailed        = errors.New("activate failed")
	ErrCommandUnknown        = errors.New("command unknown")
	ErrCommandChannelClosed  = errors.New("command channel closed")
)

var (
	ErrEventHandlerMissing = errors.New("event handler missing")
	ErrEventAlreadyHandled = errors.New("event already dispatched")
	ErrSyncTagUnknown      = errors.New("sync tag unknown")
	ErrPushPayloadInvalid  = errors.New("push payload invalid")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobTimeout        = errors.New("cron job timeout")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning  = errors.New("metrics manager is not running")
)

var (
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// StorageError marks err as a storage failure of operation op and records the
// call stack. Both ErrStorage and err stay reachable through errors.Is.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(fmt.Errorf("%w: %s: %w", ErrStorage, op, err))
}

// NetworkError marks err as a failed network fetch unless it already is one.
func NetworkError(err error) error {
	if err == nil || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
