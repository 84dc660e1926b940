// Package hot puts an in-process ristretto cache in front of any registry.
// Reads are served from ristretto when possible and fall through to the
// wrapped registry otherwise. Deleting a store clears the whole hot layer,
// so nothing of a deleted store can be served from memory.
package hot

import (
	"context"
	"errors"
	"sync"

	rc "github.com/dgraph-io/ristretto"

	"github.com/always-cache/offline-cache/cache"
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// DefaultConfig sizes the layer for roughly 64 MiB of response bytes.
func DefaultConfig() Config {
	return Config{
		NumCounters: 1e5,
		MaxCost:     64 << 20,
		BufferItems: 64,
	}
}

type Registry struct {
	inner cache.Registry
	c     *rc.Cache

	// epoch counts deletions; mutex orders fills against clears
	mutex sync.RWMutex
	epoch uint64
}

var _ cache.Registry = (*Registry)(nil)

func New(inner cache.Registry, cfg Config) (*Registry, error) {
	if inner == nil {
		return nil, errors.New("hot: nil registry")
	}
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("hot: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Registry{inner: inner, c: c}, nil
}

func (r *Registry) Open(ctx context.Context, name string) (cache.Store, error) {
	s, err := r.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &store{inner: s, reg: r}, nil
}

func (r *Registry) Lookup(ctx context.Context, name string) (cache.Store, bool, error) {
	s, ok, err := r.inner.Lookup(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &store{inner: s, reg: r}, true, nil
}

func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	return r.inner.Has(ctx, name)
}

func (r *Registry) Names(ctx context.Context) ([]string, error) {
	return r.inner.Names(ctx)
}

func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := r.inner.Delete(ctx, name)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.epoch++
	// flush buffered sets first so none of them lands after the clear
	r.c.Wait()
	r.c.Clear()
	return ok, err
}

func (r *Registry) currentEpoch() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.epoch
}

// fill caches value unless a store was deleted since epoch was read.
func (r *Registry) fill(epoch uint64, key string, value []byte) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.epoch != epoch {
		return
	}
	r.c.Set(key, append([]byte(nil), value...), int64(len(value)))
}

func (r *Registry) Close() error {
	r.c.Close()
	return r.inner.Close()
}

type store struct {
	inner cache.Store
	reg   *Registry
}

func (s *store) hotKey(key string) string {
	return s.inner.Name() + "\x00" + key
}

func (s *store) Name() string { return s.inner.Name() }

func (s *store) Match(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := s.reg.c.Get(s.hotKey(key)); ok {
		if b, ok := v.([]byte); ok {
			return append([]byte(nil), b...), true, nil
		}
		s.reg.c.Del(s.hotKey(key))
	}
	epoch := s.reg.currentEpoch()
	b, ok, err := s.inner.Match(ctx, key)
	if err != nil || !ok {
		return b, ok, err
	}
	s.reg.fill(epoch, s.hotKey(key), b)
	return b, true, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	epoch := s.reg.currentEpoch()
	if err := s.inner.Put(ctx, key, value); err != nil {
		s.reg.c.Del(s.hotKey(key))
		return err
	}
	s.reg.fill(epoch, s.hotKey(key), value)
	return nil
}

func (s *store) Delete(ctx context.Context, key string) (bool, error) {
	s.reg.c.Del(s.hotKey(key))
	return s.inner.Delete(ctx, key)
}

func (s *store) Keys(ctx context.Context) ([]string, error) {
	return s.inner.Keys(ctx)
}
