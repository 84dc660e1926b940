package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ErrOffline is returned for a navigation that failed on the network while no
// offline fallback page is stored.
var ErrOffline = errors.New("offline and no fallback stored")

// Policy decides how a fetch is answered.
// In order: requests that must not be intercepted go straight to the network,
// stored responses are served without contacting the network, anything else
// is fetched and written through to the store, and navigations that fail on
// the network get the stored fallback page.
type Policy struct {
	shared
	denyHosts   []string
	fallbackKey string
}

func NewPolicy(config Config) (*Policy, error) {
	s, err := newShared(config)
	if err != nil {
		return nil, err
	}
	deny := config.DenyHosts
	if deny == nil {
		deny = DefaultDenyHosts
	}
	denyHosts := make([]string, 0, len(deny))
	for _, h := range deny {
		denyHosts = append(denyHosts, strings.ToLower(strings.TrimSpace(h)))
	}
	fallback := config.Fallback
	if fallback == "" {
		fallback = DefaultFallback
	}
	fallbackKey, err := s.keyer.PathKey(fallback)
	if err != nil {
		return nil, fmt.Errorf("offlinecache: fallback %q: %w", fallback, err)
	}
	return &Policy{
		shared:      s,
		denyHosts:   denyHosts,
		fallbackKey: fallbackKey,
	}, nil
}

// Handle answers the request of ev.
// A cache write started for the response is registered on ev; the returned
// response does not wait for it. The write happens once the caller has read
// the body to the end, so ev is not done before the body is consumed.
func (p *Policy) Handle(ev *FetchEvent) (*http.Response, error) {
	req := ev.Request
	ctx := req.Context()
	log := p.log.With().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Logger()

	if reason, detail := p.exclude(req); reason != "" {
		ev.Status.Forward(reason)
		ev.Status.Detail = detail
		log.Trace().Str("fwd", string(reason)).Msg("Not intercepting request")
		return p.network.RoundTrip(req)
	}

	key := p.keyer.Key(req)
	log = log.With().Str("key", key).Logger()
	if res := p.match(ctx, key, req, log); res != nil {
		ev.Status.Hit()
		log.Trace().Msg("Serving stored response")
		return res, nil
	}

	ev.Status.Forward(cachestatus.FwdUriMiss)
	res, err := p.network.RoundTrip(req)
	if err != nil {
		return p.offline(ev, err, log)
	}

	if res.StatusCode != http.StatusOK {
		return res, nil
	}
	if typ := responseType(p.keyer, req, res); typ != serializer.TypeBasic {
		log.Trace().Str("type", string(typ)).Msg("Not storing response")
		return res, nil
	}
	// the body is copied while the caller reads it
	rec := serializer.Record(res, serializer.TypeBasic)
	ev.Status.Stored = true
	ev.WaitUntil(func(ctx context.Context) error {
		entry, err := rec.Entry(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Response body incomplete, not storing")
			return nil
		}
		p.put(ctx, key, entry, log)
		return nil
	})
	return res, nil
}

// exclude returns the forward reason for requests that are never intercepted.
func (p *Policy) exclude(req *http.Request) (cachestatus.FwdReason, string) {
	if req.Method != http.MethodGet {
		return cachestatus.FwdMethod, ""
	}
	if scheme := strings.ToLower(req.URL.Scheme); req.URL.IsAbs() && scheme != "http" && scheme != "https" {
		return cachestatus.FwdBypass, cachestatus.DetailScheme
	}
	host := strings.ToLower(req.URL.Hostname())
	for _, deny := range p.denyHosts {
		if deny != "" && strings.Contains(host, deny) {
			return cachestatus.FwdBypass, cachestatus.DetailDenyList
		}
	}
	return "", ""
}

func (p *Policy) offline(ev *FetchEvent, netErr error, log zerolog.Logger) (*http.Response, error) {
	req := ev.Request
	if !isNavigation(req) || !p.keyer.SameOrigin(req.URL) {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, netErr)
	}
	if res := p.match(req.Context(), p.fallbackKey, req, log); res != nil {
		log.Info().Err(netErr).Msg("Network unreachable, serving offline fallback")
		ev.Status.Hit()
		ev.Status.Detail = cachestatus.DetailOfflineFallback
		return res, nil
	}
	ev.Status.Detail = cachestatus.DetailOffline
	return nil, fmt.Errorf("%w: %s: %w", ErrOffline, req.URL, netErr)
}

// store returns the store of the generation, or nil if it does not exist (any more).
// Reads and writes never create a store; only install does.
func (p *Policy) store(ctx context.Context) (cache.Store, error) {
	store, ok, err := p.registry.Lookup(ctx, p.storeName)
	if err != nil || !ok {
		return nil, err
	}
	return store, nil
}

// match returns the stored response for key, or nil.
// Entries that cannot be decoded are purged.
func (p *Policy) match(ctx context.Context, key string, req *http.Request, log zerolog.Logger) *http.Response {
	store, err := p.store(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not open store")
		return nil
	}
	if store == nil {
		return nil
	}
	b, ok, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrStoreDeleted) {
			log.Error().Err(err).Msg("Could not read from store")
		}
		return nil
	}
	if !ok {
		return nil
	}
	res, err := decode(b, req)
	if err != nil {
		log.Error().Err(err).Msg("Purging unreadable entry")
		if _, err := store.Delete(ctx, key); err != nil {
			log.Error().Err(err).Msg("Could not purge entry")
		}
		return nil
	}
	return res
}

func decode(b []byte, req *http.Request) (*http.Response, error) {
	entry, err := serializer.Decode(b)
	if err != nil {
		return nil, err
	}
	return entry.Replay(req)
}

// put writes the entry to the store. Failures are logged only.
func (p *Policy) put(ctx context.Context, key string, entry serializer.Entry, log zerolog.Logger) {
	b, err := serializer.Encode(p.codec, entry)
	if err != nil {
		log.Error().Err(err).Msg("Could not encode response")
		return
	}
	store, err := p.store(ctx)
	if err == nil && store != nil {
		err = store.Put(ctx, key, b)
	} else if err == nil {
		err = cache.ErrStoreDeleted
	}
	switch {
	case errors.Is(err, cache.ErrStoreDeleted):
		log.Debug().Msg("Store is gone, dropping write")
	case err != nil:
		log.Error().Err(err).Msg("Could not write to store")
	default:
		log.Trace().Int("bytes", len(b)).Msg("Stored response")
	}
}

// HandleFetch delivers a fetch event to the generation.
func (w *Worker) HandleFetch(ev *FetchEvent) (*http.Response, error) {
	ctx, span := tracer.Start(ev.Request.Context(), "offlinecache.fetch")
	defer span.End()
	ev.Request = ev.Request.WithContext(ctx)

	res, err := w.policy.Handle(ev)
	span.SetAttributes(
		attribute.String("http.request.method", ev.Request.Method),
		attribute.String("url.full", ev.Request.URL.String()),
		attribute.String("offlinecache.status", ev.Status.String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
	}
	return res, err
}
