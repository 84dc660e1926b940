// Package offlinecache keeps a small static site usable offline.
//
// A Worker is one generation of the cache, identified by its version tag. It
// seeds its store from an asset manifest on install, deletes the stores of
// older generations on activate, and answers every fetch from the store, the
// network, or an offline fallback. A Host owns the generations and routes
// requests to the active one.
package offlinecache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const (
	DefaultVersion     = "final-v3"
	DefaultStorePrefix = "vc-cache-"
	DefaultFallback    = "./"
	// Number of manifest assets fetched at the same time during install.
	DefaultInstallConcurrency = 4
)

var (
	// DefaultManifest seeds the shell page, the card and its icons.
	DefaultManifest = []string{
		"./",
		"./manifest.json",
		"./mycontact.vcf",
		"./icons/icon-192.png",
		"./icons/icon-512.png",
		"./MyPhoto.jpg",
	}
	// DefaultDenyHosts are dynamic third-party endpoints that must always hit the network:
	// Apps Script deployments, their content hosts, and the QR code API.
	DefaultDenyHosts = []string{
		"script.google.com",
		"googleusercontent.com",
		"api.qrserver.com",
	}
)

var tracer = otel.Tracer("github.com/always-cache/offline-cache")

type Config struct {
	// Storage for all store generations.
	Registry cache.Registry
	// Public URL of the page, e.g. https://card.example/.
	// Manifest paths and origin-relative requests are resolved against it.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Version tag of this generation. Changing it is the only way stored
	// responses are invalidated.
	Version string
	// The store of a generation is named StorePrefix + Version.
	StorePrefix string
	// Assets stored on install. Empty means DefaultManifest.
	Manifest []string
	// Hostname substrings that are never intercepted. Nil means DefaultDenyHosts.
	DenyHosts []string
	// Path of the page served to navigations when the network is unreachable.
	Fallback string
	// Network used for all outgoing requests. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Codec for stored entries. Msgpack if nil.
	Codec serializer.Codec
	// Maximum number of concurrent asset fetches during install.
	InstallConcurrency int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// StoreName returns the name of the store owned by the configured generation.
func (c Config) StoreName() string {
	prefix := c.StorePrefix
	if prefix == "" {
		prefix = DefaultStorePrefix
	}
	return prefix + c.Version
}

// shared is what both components of a worker need to reach the store and the network.
type shared struct {
	registry  cache.Registry
	keyer     cachekey.CacheKeyer
	storeName string
	network   http.RoundTripper
	codec     serializer.Codec
	log       zerolog.Logger
}

func newShared(config Config) (shared, error) {
	if config.Registry == nil {
		return shared{}, errors.New("offlinecache: registry is required")
	}
	if strings.TrimSpace(config.Version) == "" {
		return shared{}, errors.New("offlinecache: version tag is required")
	}
	if !config.OriginURL.IsAbs() || config.OriginURL.Host == "" {
		return shared{}, fmt.Errorf("offlinecache: origin must be an absolute URL, got %q", config.OriginURL.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Str("store", config.StoreName()).
		Logger()

	network := config.Transport
	if network == nil {
		network = http.DefaultTransport
	}
	codec := config.Codec
	if codec == nil {
		codec = serializer.Msgpack{}
	}
	return shared{
		registry:  config.Registry,
		keyer:     cachekey.NewCacheKeyer(&config.OriginURL),
		storeName: config.StoreName(),
		network:   network,
		codec:     codec,
		log:       logger,
	}, nil
}

// Worker is one generation of the offline cache.
// It holds configuration only; all durable state lives in the store, so a
// worker can be dropped and recreated between any two events.
type Worker struct {
	version   string
	lifecycle *Lifecycle
	policy    *Policy
	log       zerolog.Logger
}

// New creates a worker generation from config.
func New(config Config) (*Worker, error) {
	lifecycle, err := NewLifecycle(config)
	if err != nil {
		return nil, err
	}
	policy, err := NewPolicy(config)
	if err != nil {
		return nil, err
	}
	return &Worker{
		version:   config.Version,
		lifecycle: lifecycle,
		policy:    policy,
		log:       lifecycle.log,
	}, nil
}

// Version returns the version tag of the generation.
func (w *Worker) Version() string {
	return w.version
}

// StoreName returns the name of the store the generation reads and writes.
func (w *Worker) StoreName() string {
	return w.lifecycle.storeName
}
