// Package config loads the proxy configuration: a YAML file, then
// OFFLINE_CACHE_* environment variables, then command line flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/cache/bigcache"
	"github.com/always-cache/offline-cache/cache/hot"
	"github.com/always-cache/offline-cache/cache/redis"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const EnvPrefix = "OFFLINE_CACHE_"

// Store providers.
const (
	ProviderMemory   = "memory"
	ProviderSQLite   = "sqlite"
	ProviderRedis    = "redis"
	ProviderBigcache = "bigcache"
)

type Config struct {
	// Public URL of the page.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Address the origin is actually reached at, e.g. an IP address.
	Addr string `yaml:"addr" env:"ADDR"`
	// Hostname for the Host header and TLS negotiation when Addr is used.
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`

	Version            string   `yaml:"version" env:"VERSION"`
	StorePrefix        string   `yaml:"storePrefix" env:"STORE_PREFIX"`
	Manifest           []string `yaml:"manifest" env:"MANIFEST"`
	DenyHosts          []string `yaml:"denyHosts" env:"DENY_HOSTS"`
	Fallback           string   `yaml:"fallback" env:"FALLBACK"`
	InstallConcurrency int      `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
	Codec              string   `yaml:"codec" env:"CODEC"`

	Store Store `yaml:"store" envPrefix:"STORE_"`
}

type Store struct {
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite database file; "memory" for an in-memory database.
	SQLitePath     string `yaml:"sqlitePath" env:"SQLITE_PATH"`
	RedisAddr      string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisDB        int    `yaml:"redisDB" env:"REDIS_DB"`
	RedisNamespace string `yaml:"redisNamespace" env:"REDIS_NAMESPACE"`
	BigcacheMaxMB  int    `yaml:"bigcacheMaxMB" env:"BIGCACHE_MAX_MB"`
	// Keep recently read entries in memory in front of the provider.
	Hot        bool  `yaml:"hot" env:"HOT"`
	HotMaxCost int64 `yaml:"hotMaxCost" env:"HOT_MAX_COST"`
}

// Default returns the configuration of the card site the cache was built for.
func Default() Config {
	return Config{
		Port:               8080,
		Version:            offlinecache.DefaultVersion,
		StorePrefix:        offlinecache.DefaultStorePrefix,
		Manifest:           append([]string(nil), offlinecache.DefaultManifest...),
		DenyHosts:          append([]string(nil), offlinecache.DefaultDenyHosts...),
		Fallback:           offlinecache.DefaultFallback,
		InstallConcurrency: offlinecache.DefaultInstallConcurrency,
		Codec:              serializer.Msgpack{}.Name(),
		Store: Store{
			Provider:   ProviderSQLite,
			SQLitePath: "cache.db",
			HotMaxCost: hot.DefaultConfig().MaxCost,
		},
	}
}

// Load reads filename (if not empty) over the defaults and applies the
// environment on top.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(b, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := ParseEnv(&config); err != nil {
		return config, err
	}
	return config, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Version) == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if _, err := serializer.CodecByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Provider {
	case ProviderMemory, ProviderSQLite, ProviderBigcache:
	case ProviderRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("redis provider needs redisAddr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store provider %q", c.Store.Provider))
	}
	return errors.Join(errs...)
}

// OriginURL parses the public page URL. Origins with paths are not supported.
func (c Config) OriginURL() (url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, fmt.Errorf("could not parse origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return url.URL{}, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return url.URL{}, fmt.Errorf("origin %q has a path", c.Origin)
	}
	u.Path = "/"
	return *u, nil
}

// Worker returns the generation configuration. Registry, transport and
// logger are left for the host to fill in.
func (c Config) Worker() (offlinecache.Config, error) {
	codec, err := serializer.CodecByName(c.Codec)
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		Version:            c.Version,
		StorePrefix:        c.StorePrefix,
		Manifest:           c.Manifest,
		DenyHosts:          c.DenyHosts,
		Fallback:           c.Fallback,
		Codec:              codec,
		InstallConcurrency: c.InstallConcurrency,
	}, nil
}

// Open creates the registry of the configured provider.
func (s Store) Open(ctx context.Context) (cache.Registry, error) {
	var (
		reg cache.Registry
		err error
	)
	switch s.Provider {
	case ProviderMemory:
		reg = cache.NewMemRegistry()
	case ProviderSQLite:
		path := s.SQLitePath
		if path == "memory" {
			path = ""
		}
		reg, err = cache.NewSQLiteRegistry(path)
	case ProviderRedis:
		client := goredis.NewClient(&goredis.Options{Addr: s.RedisAddr, DB: s.RedisDB})
		if err = client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", s.RedisAddr, err)
		}
		reg, err = redis.New(redis.Config{Client: client, Namespace: s.RedisNamespace, CloseClient: true})
	case ProviderBigcache:
		reg, err = bigcache.New(ctx, bigcache.Config{HardMaxCacheSizeMB: s.BigcacheMaxMB})
	default:
		return nil, fmt.Errorf("unknown store provider %q", s.Provider)
	}
	if err != nil {
		return nil, err
	}
	if !s.Hot {
		return reg, nil
	}
	hc := hot.DefaultConfig()
	if s.HotMaxCost > 0 {
		hc.MaxCost = s.HotMaxCost
	}
	hr, err := hot.New(reg, hc)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return hr, nil
}
