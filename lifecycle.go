package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Lifecycle seeds the store of a generation and removes the stores of the
// generations before it.
type Lifecycle struct {
	shared
	manifest    []string
	concurrency int
}

func NewLifecycle(config Config) (*Lifecycle, error) {
	s, err := newShared(config)
	if err != nil {
		return nil, err
	}
	manifest := config.Manifest
	if len(manifest) == 0 {
		manifest = DefaultManifest
	}
	concurrency := config.InstallConcurrency
	if concurrency <= 0 {
		concurrency = DefaultInstallConcurrency
	}
	return &Lifecycle{
		shared:      s,
		manifest:    manifest,
		concurrency: concurrency,
	}, nil
}

// InitializeStore opens (or creates) the store of the generation and fills it
// with every manifest asset that can be fetched.
// Assets are fetched past any HTTP cache. An asset that cannot be fetched is
// logged and skipped; it is picked up later by the write-through of a regular
// fetch. Only a failure to open the store fails the install.
func (l *Lifecycle) InitializeStore(ctx context.Context) error {
	store, err := l.registry.Open(ctx, l.storeName)
	if err != nil {
		return fmt.Errorf("open store %s: %w", l.storeName, err)
	}

	l.log.Info().Msgf("Installing %d assets", len(l.manifest))
	var (
		g      errgroup.Group
		stored atomic.Int32
	)
	g.SetLimit(l.concurrency)
	for _, asset := range l.manifest {
		asset := asset
		g.Go(func() error {
			if err := l.populate(ctx, store, asset); err != nil {
				l.log.Warn().Err(err).Str("asset", asset).Msg("Could not cache asset, skipping")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("install %s: %w", l.storeName, err)
	}
	l.log.Info().Msgf("Cached %d of %d assets", stored.Load(), len(l.manifest))
	return nil
}

func (l *Lifecycle) populate(ctx context.Context, store cache.Store, asset string) error {
	u, err := l.keyer.Resolve(asset)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")
	key := l.keyer.Key(req)

	l.log.Debug().
		Str("url", req.URL.String()).
		Str("key", key).
		Msg("Requesting asset from origin")

	res, err := l.network.RoundTrip(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	entry, err := serializer.Capture(res, responseType(l.keyer, req, res))
	if err != nil {
		return err
	}
	b, err := serializer.Encode(l.codec, entry)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, b)
}

// PruneStaleStores deletes every store other than the one of this generation.
// Deletions run in parallel and all of them have finished when it returns.
// A store that cannot be deleted is logged and left for the next activation.
func (l *Lifecycle) PruneStaleStores(ctx context.Context) error {
	names, err := l.registry.Names(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}

	var g errgroup.Group
	for _, name := range names {
		if name == l.storeName {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := l.registry.Delete(ctx, name)
			if err != nil {
				l.log.Warn().Err(err).Str("stale", name).Msg("Could not delete stale store")
				return nil
			}
			if deleted {
				l.log.Info().Str("stale", name).Msg("Deleted stale store")
			}
			return nil
		})
	}
	return g.Wait()
}

// Install delivers the install signal. The returned event completes when the
// store has been populated.
func (w *Worker) Install(ctx context.Context) *Event {
	ctx, span := tracer.Start(ctx, "offlinecache.install",
		trace.WithAttributes(attribute.String("offlinecache.store", w.StoreName())))
	ev := newEvent(ctx)
	ev.WaitUntil(func(ctx context.Context) error {
		defer span.End()
		err := w.lifecycle.InitializeStore(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "install failed")
		}
		return err
	})
	return ev
}

// Clients are the pages a generation takes control of once it is active.
type Clients interface {
	Claim(ctx context.Context, w *Worker) error
}

// Activate delivers the activate signal. Stale stores are pruned first, and
// only after every deletion has settled are the pages claimed.
// Pruning problems are logged and never block the claim.
func (w *Worker) Activate(ctx context.Context, clients Clients) *Event {
	ctx, span := tracer.Start(ctx, "offlinecache.activate",
		trace.WithAttributes(attribute.String("offlinecache.store", w.StoreName())))
	ev := newEvent(ctx)
	ev.WaitUntil(func(ctx context.Context) error {
		defer span.End()
		if err := w.lifecycle.PruneStaleStores(ctx); err != nil {
			span.RecordError(err)
			w.log.Error().Err(err).Msg("Could not prune stale stores")
		}
		if clients == nil {
			return nil
		}
		if err := clients.Claim(ctx, w); err != nil {
			span.SetStatus(codes.Error, "claim failed")
			return fmt.Errorf("claim: %w", err)
		}
		return nil
	})
	return ev
}
