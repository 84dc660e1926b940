package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

type HostConfig struct {
	// Storage shared by all generations.
	Registry cache.Registry
	// Public URL of the page. Requests with relative URLs are sent here.
	OriginURL url.URL
	// Network used by the generations. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Host runs worker generations on behalf of the pages of one origin.
// Fetches go to the active generation; with none active they go straight
// to the network, like a page no worker controls.
type Host struct {
	registry cache.Registry
	origin   url.URL
	network  http.RoundTripper
	logger   *zerolog.Logger
	log      zerolog.Logger

	active atomic.Pointer[Worker]
	mutex  sync.Mutex

	// closeMutex orders pending.Add against the pending.Wait of Close
	closeMutex sync.RWMutex
	pending    sync.WaitGroup
	closed     atomic.Bool
}

func NewHost(config HostConfig) (*Host, error) {
	if config.Registry == nil {
		return nil, errors.New("offlinecache: registry is required")
	}
	if !config.OriginURL.IsAbs() || config.OriginURL.Host == "" {
		return nil, fmt.Errorf("offlinecache: origin must be an absolute URL, got %q", config.OriginURL.String())
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	network := config.Transport
	if network == nil {
		network = http.DefaultTransport
	}
	return &Host{
		registry: config.Registry,
		origin:   config.OriginURL,
		network:  network,
		logger:   &logger,
		log:      logger.With().Str("origin", config.OriginURL.String()).Logger(),
	}, nil
}

// Register installs a new generation and, once installed, activates it right
// away without waiting for the pages of the current generation to go away.
// Registrations are serialized. If install fails, the current generation
// stays in charge and the error is returned.
// Registry, origin, network and logger of config default to the ones of the host.
func (h *Host) Register(ctx context.Context, config Config) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed.Load() {
		return cache.ErrClosed
	}
	if config.Registry == nil {
		config.Registry = h.registry
	}
	if config.OriginURL.Host == "" {
		config.OriginURL = h.origin
	}
	if config.Transport == nil {
		config.Transport = h.network
	}
	if config.Logger == nil {
		config.Logger = h.logger
	}
	w, err := New(config)
	if err != nil {
		return err
	}

	log := h.log.With().Str("version", w.Version()).Logger()
	log.Info().Msg("Installing worker")
	if err := w.Install(ctx).Wait(); err != nil {
		log.Error().Err(err).Msg("Install failed, keeping current worker")
		return fmt.Errorf("install %s: %w", w.Version(), err)
	}
	log.Info().Msg("Activating worker")
	if err := w.Activate(ctx, h).Wait(); err != nil {
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	return nil
}

// Claim makes w the generation that handles all further fetches.
func (h *Host) Claim(ctx context.Context, w *Worker) error {
	prev := h.active.Swap(w)
	e := h.log.Info().Str("version", w.Version())
	if prev != nil {
		e = e.Str("previous", prev.Version())
	}
	e.Msg("Worker controls pages")
	return nil
}

// Active returns the active generation, or nil.
func (h *Host) Active() *Worker {
	return h.active.Load()
}

// RoundTrip implements http.RoundTripper, so the host can serve as the
// transport of an http.Client.
func (h *Host) RoundTrip(req *http.Request) (*http.Response, error) {
	w := h.begin()
	if w == nil {
		return h.network.RoundTrip(req)
	}
	_, res, err := h.fetch(w, req)
	return res, err
}

// ServeHTTP implements http.Handler.
// Requests with a relative URL are sent to the origin, absolute ones
// (proxy requests) to wherever they point.
func (h *Host) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer h.recoverPanic(rw, r)

	req, err := h.outgoing(r)
	if err != nil {
		h.log.Warn().Err(err).Msg("Could not create outgoing request")
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	var (
		res *http.Response
		cs  cachestatus.CacheStatus
	)
	if w := h.begin(); w != nil {
		var ev *FetchEvent
		ev, res, err = h.fetch(w, req)
		cs = ev.Status
	} else {
		cs.Forward(cachestatus.FwdBypass)
		res, err = h.network.RoundTrip(req)
	}

	switch {
	case errors.Is(err, ErrOffline):
		h.log.Warn().Err(err).Msg("Offline without fallback")
		sendOffline(rw, cs)
	case err != nil:
		h.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not fetch")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
	default:
		n, err := send(rw, res, cs)
		if err != nil {
			h.log.Error().Err(err).Msg("Could not write response body to client")
		}
		h.log.Trace().Msgf("Wrote body (%d bytes)", n)
	}
	h.logRequest(r, res, cs)
}

func (h *Host) outgoing(r *http.Request) (*http.Request, error) {
	target := *r.URL
	if !target.IsAbs() {
		target.Scheme = h.origin.Scheme
		target.Host = h.origin.Host
	}
	// nil body for GET requests etc, see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Connection")
	req.ContentLength = r.ContentLength
	return req, nil
}

// begin returns the generation to hand a fetch to and counts the fetch as
// pending. Once the host is closed there is none and nothing is counted.
// Every non-nil result must be passed to fetch.
func (h *Host) begin() *Worker {
	h.closeMutex.RLock()
	defer h.closeMutex.RUnlock()
	if h.closed.Load() {
		return nil
	}
	w := h.active.Load()
	if w != nil {
		h.pending.Add(1)
	}
	return w
}

func (h *Host) fetch(w *Worker, req *http.Request) (*FetchEvent, *http.Response, error) {
	ev := NewFetchEvent(req)
	defer h.track(ev)
	res, err := w.HandleFetch(ev)
	return ev, res, err
}

// track keeps the host open until the work registered on ev is done.
func (h *Host) track(ev *FetchEvent) {
	go func() {
		defer h.pending.Done()
		if err := ev.Wait(); err != nil {
			h.log.Error().Err(err).Msg("Fetch event failed")
		}
	}()
}

func (h *Host) recoverPanic(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		h.log.Error().
			Interface("panic", err).
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Msg("Recovered from panic")
		http.Error(rw, "Internal error", http.StatusInternalServerError)
	}
}

func (h *Host) logRequest(r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	e := h.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit)
	if res != nil {
		e = e.Int("code", res.StatusCode)
	}
	e.Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

// Close waits for pending cache writes, then closes the registry. A write
// waits for its response body to be read, so responses still being sent
// delay Close as well.
// If ctx is done first, the registry is closed anyway and ctx.Err() returned.
// Fetches after Close go straight to the network.
func (h *Host) Close(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closeMutex.Lock()
	wasClosed := h.closed.Swap(true)
	h.closeMutex.Unlock()
	if wasClosed {
		return nil
	}

	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		h.log.Warn().Err(err).Msg("Closing with cache writes still pending")
	}
	if cerr := h.registry.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// Status describes the active generation and the stores present.
type Status struct {
	Version string   `json:"version,omitempty"`
	Store   string   `json:"store,omitempty"`
	Stores  []string `json:"stores"`
	Keys    []string `json:"keys"`
}

// Status reports the active generation, all store names, and the keys of
// the active store.
func (h *Host) Status(ctx context.Context) (Status, error) {
	status := Status{Stores: []string{}, Keys: []string{}}
	names, err := h.registry.Names(ctx)
	if err != nil {
		return status, fmt.Errorf("list stores: %w", err)
	}
	status.Stores = append(status.Stores, names...)

	w := h.active.Load()
	if w == nil {
		return status, nil
	}
	status.Version = w.Version()
	status.Store = w.StoreName()
	store, ok, err := h.registry.Lookup(ctx, status.Store)
	if err != nil || !ok {
		return status, err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return status, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	status.Keys = append(status.Keys, keys...)
	return status, nil
}
