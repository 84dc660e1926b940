package cache

import (
	"context"
	"sort"
	"sync"
)

type memStore struct {
	name    string
	mutex   *sync.RWMutex
	db      map[string][]byte
	deleted bool
}

// MemRegistry keeps all stores in process memory.
// Its contents do not survive a restart.
type MemRegistry struct {
	mutex  *sync.RWMutex
	stores map[string]*memStore
	order  []string
	closed bool
}

var _ Registry = (*MemRegistry)(nil)

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]*memStore),
	}
}

func (m *MemRegistry) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.stores[name]
	if !ok {
		s = &memStore{
			name:  name,
			mutex: &sync.RWMutex{},
			db:    make(map[string][]byte),
		}
		m.stores[name] = s
		m.order = append(m.order, name)
	}
	return s, nil
}

func (m *MemRegistry) Lookup(ctx context.Context, name string) (Store, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	s, ok := m.stores[name]
	if !ok {
		return nil, false, nil
	}
	return s, true, nil
}

func (m *MemRegistry) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemRegistry) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemRegistry) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.mutex.Lock()
	s.deleted = true
	s.db = nil
	s.mutex.Unlock()
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemRegistry) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.deleted {
		return nil, false, ErrStoreDeleted
	}
	value, ok := s.db[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *memStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return ErrStoreDeleted
	}
	s.db[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return false, ErrStoreDeleted
	}
	_, ok := s.db[key]
	delete(s.db, key)
	return ok, nil
}

func (s *memStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.deleted {
		return nil, ErrStoreDeleted
	}
	keys := make([]string, 0, len(s.db))
	for key := range s.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
