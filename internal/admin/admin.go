// Package admin serves the operator HTTP interface: health, Prometheus
// metrics, runtime trace snapshots and a read-only view of multipart copy
// tracking records.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/tracing"
	"github.com/tunnelmesh/regionsync/internal/tracking"
)

// maxListLimit caps the number of tracking records one request returns.
const maxListLimit = 1000

// TrackingLister lists the tracking records of one region.
type TrackingLister interface {
	List(ctx context.Context, f tracking.ListFilter) ([]*tracking.Record, error)
}

// Config holds configuration for the admin server.
type Config struct {
	// Tracking maps each region to its tracking table.
	Tracking map[string]TrackingLister
	Recorder *tracing.Recorder
	Logger   zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates an admin server. It does not listen until Start.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("GET /healthz", healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /debug/trace", cfg.Recorder.Handler())
	s.mux.HandleFunc("GET /api/regions", s.handleRegions)
	s.mux.HandleFunc("GET /api/tracking", s.handleTracking)
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	regions := make([]string, 0, len(s.cfg.Tracking))
	for r := range s.cfg.Tracking {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	writeJSON(w, http.StatusOK, map[string][]string{"regions": regions})
}

// handleTracking lists tracking records of ?region=, newest first, optionally
// filtered by ?status= and capped by ?limit=.
func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	region := q.Get("region")
	table, ok := s.cfg.Tracking[region]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown region "+strconv.Quote(region))
		return
	}

	f := tracking.ListFilter{Limit: 100}
	if v := q.Get("status"); v != "" {
		st, err := tracking.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = &st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	records, err := table.List(r.Context(), f)
	if err != nil {
		s.logger.Error().Err(err).Str("region", region).Msg("list tracking records")
		writeError(w, http.StatusInternalServerError, "failed to list tracking records")
		return
	}
	if records == nil {
		records = []*tracking.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"region": region, "records": records})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
