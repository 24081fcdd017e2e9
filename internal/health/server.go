// Package health exposes a single /healthz endpoint reporting whether
// the collector is connected to its upstream and how stale the last
// persisted tick is, grounded on
// original_source/hk-tick-collector/hk_tick_collector/health.py's
// aiohttp HealthServer but built on the chi/cors stack the rest of this
// codebase's HTTP surfaces use.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/billpwchan/hk-tick-collector/internal/config"
)

// Config is the narrowed set of tunables the health server needs.
type Config struct {
	Enabled bool
	Host    string
	Port    int
}

// ConfigFromAppConfig narrows config.Config down to Config.
func ConfigFromAppConfig(cfg *config.Config) Config {
	return Config{Enabled: cfg.HealthEnabled, Host: cfg.HealthHost, Port: cfg.HealthPort}
}

// StatusProvider is implemented by whatever component holds the live
// state /healthz reports; the supervisor wires this to a closure that
// reads the upstream client's Snapshot and the persist queue's size.
type StatusProvider interface {
	Status() Status
}

// Status is the exact JSON shape returned by GET /healthz.
type Status struct {
	Status       string `json:"status"`
	LastTickTsMs *int64 `json:"last_tick_ts_ms"`
	QueueSize    int    `json:"queue_size"`
	QueueMaxSize int    `json:"queue_maxsize"`
	Connected    bool   `json:"connected"`
	TradingDay   string `json:"trading_day"`
}

// Server owns the chi router and http.Server lifecycle for the health
// endpoint, at a much smaller scale than this codebase's other chi
// servers (one route, no dashboard, no API module tree).
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	provider StatusProvider
}

// New builds a Server bound to cfg.Host:cfg.Port. provider supplies the
// live Status on every request; it is read fresh each time, never
// cached, since /healthz must reflect the current moment.
func New(cfg Config, provider StatusProvider, log zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      log.With().Str("component", "health").Logger(),
		provider: provider,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(5 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Run starts serving and blocks until the listener fails or Shutdown
// closes it, at which point it returns http.ErrServerClosed.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("health server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.provider.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("health request")
	})
}
