package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

// RedisStorage keeps each partition as a hash of encoded entries plus a
// sorted set ordering the keys by a global write sequence. Partition names
// live in their own sorted set ordered by creation.
type RedisStorage struct {
	ctx     context.Context
	logger  types.Logger
	codec   *Codec
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisStorage(ctx context.Context, logger types.Logger, codec *Codec, rawConfig interface{}) (*RedisStorage, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-offline",
	}

	if rawConfig != nil {
		if err := utils.UnmarshalConfig(rawConfig, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis storage config")
		}
	}

	storage := &RedisStorage{
		ctx:    ctx,
		logger: logger,
		codec:  codec,
		config: redisConfig,
	}

	storage.initRedisClient()

	if err := storage.ping(); err != nil {
		_ = storage.client.Close()
		return nil, types.StorageError("connect to redis", err)
	}

	return storage, nil
}

func (r *RedisStorage) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	r.logger.Info("Redis cache storage started",
		zap.String("addr", r.addr()),
		zap.String("key_prefix", r.config.KeyPrefix),
	)

	return nil
}

func (r *RedisStorage) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache storage stopped")

	return nil
}

func (r *RedisStorage) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStorage) Open(ctx context.Context, name string) (types.Partition, error) {
	if name == "" {
		return nil, types.ErrPartitionNameEmpty
	}

	if err := r.register(ctx, name); err != nil {
		return nil, err
	}

	return &redisPartition{storage: r, name: name}, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	_, err := r.client.ZScore(ctx, r.namesKey(), name).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return false, nil
		}
		return false, types.StorageError("has partition", err)
	}

	return true, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.namesKey(), name)
		pipe.Del(ctx, r.entriesKey(name), r.orderKey(name))
		return nil
	})
	if err != nil {
		return false, types.StorageError("delete partition", err)
	}

	return removed.Val() > 0, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.ZRange(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, types.StorageError("list partitions", err)
	}

	return names, nil
}

func (r *RedisStorage) register(ctx context.Context, name string) error {
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return types.StorageError("open partition", err)
	}

	if err = r.client.ZAddNX(ctx, r.namesKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
		return types.StorageError("open partition", err)
	}

	return nil
}

func (r *RedisStorage) initRedisClient() {
	r.client = redis.NewClient(&redis.Options{
		Addr:         r.addr(),
		Password:     r.config.Password,
		DB:           r.config.DB,
		PoolSize:     r.config.PoolSize,
		MinIdleConns: r.config.MinIdleConnections,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	})
}

func (r *RedisStorage) ping() error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) addr() string {
	return fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)
}

func (r *RedisStorage) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.config.KeyPrefix, key)
	}
	return key
}

func (r *RedisStorage) namesKey() string {
	return r.buildFullKey("partitions")
}

func (r *RedisStorage) seqKey() string {
	return r.buildFullKey("seq")
}

func (r *RedisStorage) entriesKey(name string) string {
	return r.buildFullKey("p:" + name + ":entries")
}

func (r *RedisStorage) orderKey(name string) string {
	return r.buildFullKey("p:" + name + ":order")
}

type redisPartition struct {
	storage *RedisStorage
	name    string
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key string) (*types.CacheEntry, error) {
	data, err := p.storage.client.HGet(ctx, p.storage.entriesKey(p.name), key).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, nil
		}
		return nil, types.StorageError("match", err)
	}

	entry, err := p.storage.codec.Unmarshal(data)
	if err != nil {
		return nil, types.StorageError("match", err)
	}

	return entry, nil
}

// Put writes the entry and its new order score in one transaction, so a
// rewritten key moves to the newest position.
func (p *redisPartition) Put(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := p.storage.codec.Marshal(entry)
	if err != nil {
		return err
	}

	client := p.storage.client

	seq, err := client.Incr(ctx, p.storage.seqKey()).Result()
	if err != nil {
		return types.StorageError("put", err)
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, p.storage.namesKey(), redis.Z{Score: float64(seq), Member: p.name})
		pipe.HSet(ctx, p.storage.entriesKey(p.name), entry.Key, data)
		pipe.ZAdd(ctx, p.storage.orderKey(p.name), redis.Z{Score: float64(seq), Member: entry.Key})
		return nil
	})
	if err != nil {
		return types.StorageError("put", err)
	}

	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd

	_, err := p.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, p.storage.entriesKey(p.name), key)
		pipe.ZRem(ctx, p.storage.orderKey(p.name), key)
		return nil
	})
	if err != nil {
		return false, types.StorageError("delete", err)
	}

	return removed.Val() > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.storage.client.ZRange(ctx, p.storage.orderKey(p.name), 0, -1).Result()
	if err != nil {
		return nil, types.StorageError("keys", err)
	}

	return keys, nil
}
