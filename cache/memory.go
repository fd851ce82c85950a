package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// MemoryStorage keeps every partition in process memory. Entries are stored
// as deep copies so callers never share buffers with the store.
type MemoryStorage struct {
	logger     types.Logger
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	names      *list.List
	state      atomic.Value
}

func NewMemoryStorage(logger types.Logger) *MemoryStorage {
	s := &MemoryStorage{
		logger:     logger,
		partitions: make(map[string]*memoryPartition),
		names:      list.New(),
	}

	s.state.Store(StateStopped)

	return s
}

func (s *MemoryStorage) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.state.Store(StateRunning)
	s.logger.Info("Memory cache storage started")

	return nil
}

func (s *MemoryStorage) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	s.mu.Lock()
	count := len(s.partitions)
	s.partitions = make(map[string]*memoryPartition)
	s.names.Init()
	s.mu.Unlock()

	s.state.Store(StateStopped)
	s.logger.Info("Memory cache storage stopped", zap.Int("dropped_partitions", count))

	return nil
}

func (s *MemoryStorage) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *MemoryStorage) Open(_ context.Context, name string) (types.Partition, error) {
	if name == "" {
		return nil, types.ErrPartitionNameEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[name]; ok {
		return p, nil
	}

	p := &memoryPartition{
		storage: s,
		name:    name,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
	s.attachUnsafe(p)

	return p, nil
}

func (s *MemoryStorage) attachUnsafe(p *memoryPartition) {
	s.partitions[p.name] = p
	s.names.PushBack(p.name)
}

// resolve returns the live partition registered under p's name. A handle
// that outlived a Delete is registered again when attach is set.
func (s *MemoryStorage) resolve(p *memoryPartition, attach bool) *memoryPartition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.partitions[p.name]; ok {
		return current
	}

	if attach {
		s.attachUnsafe(p)
	}

	return p
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.partitions[name]
	return ok, nil
}

// Delete drops the partition and its entries. A later Put through an old
// handle recreates it empty, like the persistent backends do.
func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[name]
	if !ok {
		return false, nil
	}

	delete(s.partitions, name)
	p.reset()

	for e := s.names.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == name {
			s.names.Remove(e)
			break
		}
	}

	return true, nil
}

// Names returns partition names in creation order.
func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, s.names.Len())
	for e := s.names.Front(); e != nil; e = e.Next() {
		names = append(names, e.Value.(string))
	}

	return names, nil
}

func (s *MemoryStorage) getState() State {
	return s.state.Load().(State)
}

func (s *MemoryStorage) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

type memoryPartition struct {
	storage *MemoryStorage
	name    string
	mu      sync.RWMutex
	items   map[string]*list.Element
	order   *list.List
}

func (p *memoryPartition) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.items = make(map[string]*list.Element)
	p.order.Init()
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(_ context.Context, key string) (*types.CacheEntry, error) {
	p = p.storage.resolve(p, false)

	p.mu.RLock()
	defer p.mu.RUnlock()

	elem, ok := p.items[key]
	if !ok {
		return nil, nil
	}

	return cloneEntry(elem.Value.(*types.CacheEntry)), nil
}

// Put replaces any entry under the same key and moves it to the newest
// position.
func (p *memoryPartition) Put(_ context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.Key == "" {
		return types.ErrCacheKeyEmpty
	}

	stored := cloneEntry(entry)

	p = p.storage.resolve(p, true)

	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, ok := p.items[entry.Key]; ok {
		p.order.Remove(elem)
	}

	p.items[entry.Key] = p.order.PushBack(stored)

	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p = p.storage.resolve(p, false)

	p.mu.Lock()
	defer p.mu.Unlock()

	elem, ok := p.items[key]
	if !ok {
		return false, nil
	}

	p.order.Remove(elem)
	delete(p.items, key)

	return true, nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p = p.storage.resolve(p, false)

	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*types.CacheEntry).Key)
	}

	return keys, nil
}
