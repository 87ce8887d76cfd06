// Package api exposes the read side of the entity store plus the attribution
// lookup and rule generation endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/correlate"
	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/rules"
	"github.com/threatmeta/threatmeta/internal/storage"
)

const defaultListLimit = 100

// Server is the HTTP front end.
type Server struct {
	store     *storage.Store
	lookup    *correlate.Lookup
	generator *rules.Generator
	registry  *prometheus.Registry
	logger    *zap.Logger
	http      *http.Server
}

// New builds the server and its router.
func New(cfg config.ServerConfig, store *storage.Store, lookup *correlate.Lookup, generator *rules.Generator, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		store:     store,
		lookup:    lookup,
		generator: generator,
		registry:  registry,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/adversaries", s.handleListAdversaries)
		r.Get("/adversaries/{name}", s.handleGetAdversary)
		r.Get("/adversaries/{name}/infrastructure", s.handleAdversaryInfrastructure)
		r.Get("/adversaries/{name}/events", s.handleAdversaryEvents)
		r.Get("/infrastructure", s.handleListInfrastructure)
		r.Get("/techniques", s.handleListTechniques)
		r.Get("/stats", s.handleStats)
		r.Post("/lookup", s.handleLookup)
		r.Get("/rules/{format}", s.handleRules)
	})

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, diamond.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, diamond.ErrMalformedRecord), errors.Is(err, diamond.ErrInvalidEntityKey):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultListLimit
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListAdversaries(w http.ResponseWriter, r *http.Request) {
	adversaries, err := s.store.ListAdversaries(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"adversaries": adversaries})
}

func (s *Server) handleGetAdversary(w http.ResponseWriter, r *http.Request) {
	adv, err := s.store.GetAdversaryByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, adv)
}

func (s *Server) handleAdversaryInfrastructure(w http.ResponseWriter, r *http.Request) {
	// Resolve aliases first so /adversaries/Fancy%20Bear/infrastructure and
	// /adversaries/APT28/infrastructure answer identically.
	adv, err := s.store.GetAdversaryByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	indicators, err := s.store.ListAdversaryIndicators(r.Context(), adv.Name, limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"adversary":  adv.Name,
		"indicators": indicators,
	})
}

func (s *Server) handleAdversaryEvents(w http.ResponseWriter, r *http.Request) {
	adv, err := s.store.GetAdversaryByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.store.EventsForAdversary(r.Context(), adv.ID, limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"adversary": adv.Name,
		"events":    events,
	})
}

func (s *Server) handleListInfrastructure(w http.ResponseWriter, r *http.Request) {
	indicators, err := s.store.ListAttributedIndicators(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"indicators": indicators})
}

func (s *Server) handleListTechniques(w http.ResponseWriter, r *http.Request) {
	techniques, err := s.store.ListMitreMappings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"techniques": techniques})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req correlate.LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	result, err := s.lookup.Query(r.Context(), req)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	adversary := r.URL.Query().Get("adversary")
	if adversary == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "adversary query parameter is required"})
		return
	}
	ruleText, err := s.generator.Generate(r.Context(), chi.URLParam(r, "format"), adversary)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ruleText))
}
