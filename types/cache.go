package types

import (
	"context"
	"net/http"
	"time"
)

// CacheEntry is one stored response. CachedAt is stamped once when the entry
// is written and never changed; a re-write replaces the whole entry.
type CacheEntry struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status_code"`
	StatusText string      `json:"status_text"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// Partition is a named collection of entries kept in insertion order.
// Match returns a nil entry and a nil error on a miss.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage owns every named partition of the process.
type CacheStorage interface {
	LifecycleManager
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
}

type CacheStorageCreator func(config interface{}) (CacheStorage, error)

type PartitionRole string

const (
	RoleCore    PartitionRole = "core"
	RoleRuntime PartitionRole = "runtime"
	RoleImages  PartitionRole = "images"
	RoleAPI     PartitionRole = "api"
)

// PartitionSpec is the resolved, read-only description of one partition.
type PartitionSpec struct {
	Role       PartitionRole
	Name       string
	MaxEntries int
	TTL        time.Duration
}
