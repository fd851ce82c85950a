package cache

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	fieldKey     = "key"
	fieldSeq     = "seq"
	fieldPayload = "payload"
)

type CloverConfig struct {
	Path string `json:"path"`
}

// CloverStorage maps every partition to a clover collection. Documents carry
// the cache key, a write sequence used for ordering and the encoded entry.
type CloverStorage struct {
	logger types.Logger
	codec  *Codec
	config *CloverConfig
	db     *clover.DB
	seq    *sequence
	mu     sync.Mutex
	state  atomic.Value
}

func NewCloverStorage(logger types.Logger, codec *Codec, rawConfig interface{}) (*CloverStorage, error) {
	var cloverConfig = &CloverConfig{
		Path: "./data/cache",
	}

	if rawConfig != nil {
		if err := utils.UnmarshalConfig(rawConfig, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover storage config")
		}
	}

	if err := os.MkdirAll(cloverConfig.Path, 0755); err != nil {
		return nil, types.StorageError("create clover directory", err)
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.StorageError("open clover", err)
	}

	storage := &CloverStorage{
		logger: logger,
		codec:  codec,
		config: cloverConfig,
		db:     db,
		seq:    newSequence(),
	}

	storage.state.Store(StateStopped)

	return storage, nil
}

func (c *CloverStorage) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	c.state.Store(StateRunning)
	c.logger.Info("Clover cache storage started", zap.String("path", c.config.Path))

	return nil
}

func (c *CloverStorage) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.state.Store(StateStopped)

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("Clover cache storage stopped")

	return nil
}

func (c *CloverStorage) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *CloverStorage) Open(_ context.Context, name string) (types.Partition, error) {
	if name == "" {
		return nil, types.ErrPartitionNameEmpty
	}

	if err := c.ensureCollection(name); err != nil {
		return nil, err
	}

	return &cloverPartition{storage: c, name: name}, nil
}

func (c *CloverStorage) Has(_ context.Context, name string) (bool, error) {
	exists, err := c.db.HasCollection(name)
	if err != nil {
		return false, types.StorageError("has partition", err)
	}

	return exists, nil
}

func (c *CloverStorage) Delete(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.db.HasCollection(name)
	if err != nil {
		return false, types.StorageError("delete partition", err)
	}

	if !exists {
		return false, nil
	}

	// Dropping the collection leaves its documents behind; a later Open of
	// the same name would see them again.
	if err = c.db.Query(name).Delete(); err != nil {
		return false, types.StorageError("delete partition", err)
	}

	if err = c.db.DropCollection(name); err != nil {
		return false, types.StorageError("delete partition", err)
	}

	return true, nil
}

// Names returns collection names sorted lexically; clover keeps no creation
// order for collections.
func (c *CloverStorage) Names(_ context.Context) ([]string, error) {
	names, err := c.db.ListCollections()
	if err != nil {
		return nil, types.StorageError("list partitions", err)
	}

	sort.Strings(names)

	return names, nil
}

func (c *CloverStorage) ensureCollection(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.db.HasCollection(name)
	if err != nil {
		return types.StorageError("open partition", err)
	}

	if exists {
		return nil
	}

	if err = c.db.CreateCollection(name); err != nil {
		return types.StorageError("open partition", err)
	}

	return nil
}

func (c *CloverStorage) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

type cloverPartition struct {
	storage *CloverStorage
	name    string
	mu      sync.Mutex
}

func (p *cloverPartition) Name() string {
	return p.name
}

// exists reports whether the backing collection is still present. Reads
// through a handle whose partition was deleted behave as on an empty one.
func (p *cloverPartition) exists(op string) (bool, error) {
	exists, err := p.storage.db.HasCollection(p.name)
	if err != nil {
		return false, types.StorageError(op, err)
	}
	return exists, nil
}

func (p *cloverPartition) Match(_ context.Context, key string) (*types.CacheEntry, error) {
	if exists, err := p.exists("match"); err != nil || !exists {
		return nil, err
	}

	doc, err := p.storage.db.Query(p.name).Where(clover.Field(fieldKey).Eq(key)).FindFirst()
	if err != nil {
		return nil, types.StorageError("match", err)
	}

	if doc == nil {
		return nil, nil
	}

	payload, ok := doc.Get(fieldPayload).(string)
	if !ok {
		return nil, types.StorageError("match", types.Errorf(types.ErrEntryDecode, "payload of %s is not a string", key))
	}

	entry, err := p.storage.codec.Unmarshal([]byte(payload))
	if err != nil {
		return nil, types.StorageError("match", err)
	}

	return entry, nil
}

// Put deletes any document under the key and inserts a new one with a fresh
// sequence number. The partition lock keeps the pair atomic for this process.
func (p *cloverPartition) Put(_ context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := p.storage.codec.Marshal(entry)
	if err != nil {
		return err
	}

	if err = p.storage.ensureCollection(p.name); err != nil {
		return err
	}

	doc := clover.NewDocument()
	doc.Set(fieldKey, entry.Key)
	doc.Set(fieldSeq, p.storage.seq.Next())
	doc.Set(fieldPayload, string(data))

	p.mu.Lock()
	defer p.mu.Unlock()

	if err = p.storage.db.Query(p.name).Where(clover.Field(fieldKey).Eq(entry.Key)).Delete(); err != nil {
		return types.StorageError("put", err)
	}

	if err = p.storage.db.Insert(p.name, doc); err != nil {
		return types.StorageError("put", err)
	}

	return nil
}

func (p *cloverPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if exists, err := p.exists("delete"); err != nil || !exists {
		return false, err
	}

	query := p.storage.db.Query(p.name).Where(clover.Field(fieldKey).Eq(key))

	count, err := query.Count()
	if err != nil {
		return false, types.StorageError("delete", err)
	}

	if count == 0 {
		return false, nil
	}

	if err = query.Delete(); err != nil {
		return false, types.StorageError("delete", err)
	}

	return true, nil
}

func (p *cloverPartition) Keys(_ context.Context) ([]string, error) {
	if exists, err := p.exists("keys"); err != nil || !exists {
		return []string{}, err
	}

	docs, err := p.storage.db.Query(p.name).Sort(clover.SortOption{Field: fieldSeq, Direction: 1}).FindAll()
	if err != nil {
		return nil, types.StorageError("keys", err)
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Get(fieldKey).(string); ok {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// sequence hands out strictly increasing values seeded from the wall clock so
// ordering survives restarts of a persistent store.
type sequence struct {
	last atomic.Int64
}

func newSequence() *sequence {
	return &sequence{}
}

func (s *sequence) Next() int64 {
	for {
		last := s.last.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if s.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
