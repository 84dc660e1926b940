// Package redis keeps stores in Redis so several proxy replicas share one
// set of cached responses and store generations.
//
// Keys:
//
//	{<ns>}:stores         - sorted set of store names, scored by creation time
//	{<ns>}:store:<name>   - hash of key -> value for one store
//
// The namespace is a hash tag, so all keys of a registry live in one cluster slot.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/always-cache/offline-cache/cache"
)

var ErrNilClient = errors.New("redis registry: nil client")

type Registry struct {
	rdb         goredis.UniversalClient
	ns          string
	closeClient bool
}

var _ cache.Registry = (*Registry)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Namespace prefixes every key written by the registry.
	Namespace string
	// CloseClient should be true only if the registry exclusively owns the client.
	CloseClient bool
}

func New(cfg Config) (*Registry, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "offline-cache"
	}
	return &Registry{rdb: cfg.Client, ns: ns, closeClient: cfg.CloseClient}, nil
}

func (r *Registry) namesKey() string { return "{" + r.ns + "}:stores" }

func (r *Registry) storeKey(name string) string { return "{" + r.ns + "}:store:" + name }

// putScript writes a field only while the store is still registered, so a
// write racing Delete cannot recreate the hash of a pruned store.
var putScript = goredis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func (r *Registry) Open(ctx context.Context, name string) (cache.Store, error) {
	// NX keeps the original creation score when the store already exists
	err := r.rdb.ZAddNX(ctx, r.namesKey(), goredis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, r.wrap(err)
	}
	return &store{name: name, reg: r}, nil
}

func (r *Registry) Lookup(ctx context.Context, name string) (cache.Store, bool, error) {
	ok, err := r.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &store{name: name, reg: r}, true, nil
}

func (r *Registry) Has(ctx context.Context, name string) (bool, error) {
	err := r.rdb.ZScore(ctx, r.namesKey(), name).Err()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, r.wrap(err)
	}
	return true, nil
}

func (r *Registry) Names(ctx context.Context) ([]string, error) {
	names, err := r.rdb.ZRange(ctx, r.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, r.wrap(err)
	}
	return names, nil
}

func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, r.storeKey(name))
		removed = p.ZRem(ctx, r.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, r.wrap(err)
	}
	return removed.Val() > 0, nil
}

// Close releases the underlying redis client only when this registry owns it.
func (r *Registry) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (r *Registry) wrap(err error) error {
	if errors.Is(err, goredis.ErrClosed) {
		return cache.ErrClosed
	}
	return err
}

type store struct {
	name string
	reg  *Registry
}

func (s *store) Name() string { return s.name }

func (s *store) Match(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.reg.rdb.HGet(ctx, s.reg.storeKey(s.name), key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.reg.wrap(err)
	}
	return b, true, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	keys := []string{s.reg.namesKey(), s.reg.storeKey(s.name)}
	n, err := putScript.Run(ctx, s.reg.rdb, keys, s.name, key, value).Int()
	if err != nil {
		return s.reg.wrap(err)
	}
	if n == 0 {
		return cache.ErrStoreDeleted
	}
	return nil
}

func (s *store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.reg.rdb.HDel(ctx, s.reg.storeKey(s.name), key).Result()
	if err != nil {
		return false, s.reg.wrap(err)
	}
	return n > 0, nil
}

func (s *store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.reg.rdb.HKeys(ctx, s.reg.storeKey(s.name)).Result()
	if err != nil {
		return nil, s.reg.wrap(err)
	}
	return keys, nil
}
