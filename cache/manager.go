package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

var customStorageCreators = make(map[string]types.CacheStorageCreator)

func RegisterCacheStorage(storageName string, creator types.CacheStorageCreator) {
	customStorageCreators[storageName] = creator
}

// NewCacheStorage builds the configured backend and wraps it with operation
// metrics. metrics may be nil.
func NewCacheStorage(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CacheStorage, error) {
	serviceConfig := config.GetConfig()
	storageConfig := serviceConfig.Storage

	codec := NewCodec(
		WithMaxEntryBytes(serviceConfig.Interception.MaxEntryBytes),
		WithCompressAbove(storageConfig.CompressAbove),
	)

	var impl types.CacheStorage
	var err error

	switch storageConfig.Type {
	case "memory":
		impl = NewMemoryStorage(logger)
	case "redis":
		impl, err = NewRedisStorage(ctx, logger, codec, storageConfig.Config)
	case "clover":
		impl, err = NewCloverStorage(logger, codec, storageConfig.Config)
	case "sqlite":
		impl, err = NewSQLiteStorage(ctx, logger, codec, storageConfig.Config)
	default:
		if creator, exists := customStorageCreators[storageConfig.Type]; exists {
			impl, err = creator(storageConfig.Config)
		} else {
			return nil, types.Errorf(types.ErrStorageTypeUnknown, "type: %s", storageConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return NewInstrumentedStorage(impl, metrics), nil
}

type instrumentedStorage struct {
	impl    types.CacheStorage
	metrics types.MetricsManager
}

func NewInstrumentedStorage(impl types.CacheStorage, metrics types.MetricsManager) types.CacheStorage {
	if metrics == nil {
		return impl
	}

	return &instrumentedStorage{
		impl:    impl,
		metrics: metrics,
	}
}

func (is *instrumentedStorage) Start() error {
	return is.impl.Start()
}

func (is *instrumentedStorage) Stop() error {
	return is.impl.Stop()
}

func (is *instrumentedStorage) IsRunning() bool {
	return is.impl.IsRunning()
}

func (is *instrumentedStorage) Open(ctx context.Context, name string) (types.Partition, error) {
	start := time.Now()
	partition, err := is.impl.Open(ctx, name)
	is.recordMetric("open", name, resultOf(err), time.Since(start))

	if err != nil {
		return nil, err
	}

	return &instrumentedPartition{impl: partition, storage: is}, nil
}

func (is *instrumentedStorage) Has(ctx context.Context, name string) (bool, error) {
	return is.impl.Has(ctx, name)
}

func (is *instrumentedStorage) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	deleted, err := is.impl.Delete(ctx, name)
	is.recordMetric("drop", name, resultOf(err), time.Since(start))
	return deleted, err
}

func (is *instrumentedStorage) Names(ctx context.Context) ([]string, error) {
	return is.impl.Names(ctx)
}

func (is *instrumentedStorage) recordMetric(operation, partition, result string, duration time.Duration) {
	is.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"partition": partition,
		"result":    result,
	}).Inc()

	is.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

type instrumentedPartition struct {
	impl    types.Partition
	storage *instrumentedStorage
}

func (ip *instrumentedPartition) Name() string {
	return ip.impl.Name()
}

func (ip *instrumentedPartition) Match(ctx context.Context, key string) (*types.CacheEntry, error) {
	start := time.Now()
	entry, err := ip.impl.Match(ctx, key)

	result := resultOf(err)
	if err == nil {
		result = "miss"
		if entry != nil {
			result = "hit"
		}
	}

	ip.storage.recordMetric("match", ip.impl.Name(), result, time.Since(start))
	return entry, err
}

func (ip *instrumentedPartition) Put(ctx context.Context, entry *types.CacheEntry) error {
	start := time.Now()
	err := ip.impl.Put(ctx, entry)
	ip.storage.recordMetric("put", ip.impl.Name(), resultOf(err), time.Since(start))
	return err
}

func (ip *instrumentedPartition) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	deleted, err := ip.impl.Delete(ctx, key)
	ip.storage.recordMetric("delete", ip.impl.Name(), resultOf(err), time.Since(start))
	return deleted, err
}

func (ip *instrumentedPartition) Keys(ctx context.Context) ([]string, error) {
	return ip.impl.Keys(ctx)
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
