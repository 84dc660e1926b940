// Package bigcache keeps stores in a size-bounded in-memory bigcache.
// Entries of all stores share one bigcache instance; a key is the store name
// and the entry key joined by a NUL byte.
package bigcache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/always-cache/offline-cache/cache"
)

const sep = "\x00"

type Config struct {
	// HardMaxCacheSizeMB caps memory use; 0 = unlimited.
	HardMaxCacheSizeMB int
	// MaxEntrySize is the expected size of one entry in bytes.
	MaxEntrySize int
}

type Registry struct {
	c      *bc.BigCache
	mu     sync.RWMutex
	names  map[string]time.Time
	closed bool
}

var _ cache.Registry = (*Registry)(nil)

func New(ctx context.Context, cfg Config) (*Registry, error) {
	// entries never expire; only a store deletion removes them
	conf := bc.DefaultConfig(100 * 365 * 24 * time.Hour)
	conf.CleanWindow = 0
	conf.Verbose = false
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Registry{c: c, names: make(map[string]time.Time)}, nil
}

func (r *Registry) Open(_ context.Context, name string) (cache.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, cache.ErrClosed
	}
	if _, ok := r.names[name]; !ok {
		r.names[name] = time.Now()
	}
	return &store{name: name, reg: r}, nil
}

func (r *Registry) Lookup(_ context.Context, name string) (cache.Store, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, cache.ErrClosed
	}
	if _, ok := r.names[name]; !ok {
		return nil, false, nil
	}
	return &store{name: name, reg: r}, true, nil
}

func (r *Registry) Has(_ context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false, cache.ErrClosed
	}
	_, ok := r.names[name]
	return ok, nil
}

func (r *Registry) Names(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, cache.ErrClosed
	}
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.names[names[i]].Before(r.names[names[j]])
	})
	return names, nil
}

func (r *Registry) Delete(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, cache.ErrClosed
	}
	if _, ok := r.names[name]; !ok {
		return false, nil
	}
	delete(r.names, name)
	prefix := name + sep
	var doomed []string
	it := r.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			doomed = append(doomed, info.Key())
		}
	}
	for _, key := range doomed {
		if err := r.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
			return true, err
		}
	}
	return true, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.c.Close()
}

type store struct {
	name string
	reg  *Registry
}

func (s *store) Name() string { return s.name }

func (s *store) live() error {
	if s.reg.closed {
		return cache.ErrClosed
	}
	if _, ok := s.reg.names[s.name]; !ok {
		return cache.ErrStoreDeleted
	}
	return nil
}

func (s *store) Match(_ context.Context, key string) ([]byte, bool, error) {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	if err := s.live(); err != nil {
		return nil, false, err
	}
	b, err := s.reg.c.Get(s.name + sep + key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *store) Put(_ context.Context, key string, value []byte) error {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	if err := s.live(); err != nil {
		return err
	}
	return s.reg.c.Set(s.name+sep+key, value)
}

func (s *store) Delete(_ context.Context, key string) (bool, error) {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	if err := s.live(); err != nil {
		return false, err
	}
	err := s.reg.c.Delete(s.name + sep + key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *store) Keys(_ context.Context) ([]string, error) {
	s.reg.mu.RLock()
	defer s.reg.mu.RUnlock()
	if err := s.live(); err != nil {
		return nil, err
	}
	prefix := s.name + sep
	keys := make([]string, 0)
	it := s.reg.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			keys = append(keys, strings.TrimPrefix(info.Key(), prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
