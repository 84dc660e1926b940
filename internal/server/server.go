// Package server exposes the offline cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	offlinecache "github.com/always-cache/offline-cache"
)

const (
	StatusPath  = "/.offline-cache/status"
	InstallPath = "/.offline-cache/install"
)

// Reloader returns the configuration of the generation to install next.
type Reloader func(ctx context.Context) (offlinecache.Config, error)

type server struct {
	host   *offlinecache.Host
	reload Reloader
}

// New returns the handler of the proxy: the status and install endpoints,
// and the host for everything else.
func New(host *offlinecache.Host, reload Reloader, logger zerolog.Logger) http.Handler {
	s := &server{host: host, reload: reload}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RemoteAddrHandler("sourceIp"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("code", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))

	r.Get(StatusPath, s.status)
	if reload != nil {
		r.Post(InstallPath, s.install)
	}
	r.Handle("/*", host)
	return r
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.host.Status(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not get status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// install registers a new generation from the current configuration.
// It returns once the generation is active or install failed.
func (s *server) install(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	config, err := s.reload(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Could not load configuration")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := s.host.Register(r.Context(), config); err != nil {
		log.Error().Err(err).Msg("Could not register worker")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.status(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
