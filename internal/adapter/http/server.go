package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
)

// StatusSource returns the latest pipeline status.
type StatusSource interface {
	Current() domain.Status
}

// MapSource returns the most recently rendered HTML map, or nil if none.
type MapSource interface {
	Latest() []byte
}

// Refresher requests an early pipeline cycle. It reports false when a
// request is already pending.
type Refresher interface {
	Trigger() bool
}

// HistorySource reads recorded cell snapshots.
type HistorySource interface {
	History(ctx context.Context, key domain.CellKey) ([]domain.CellSnapshot, error)
	Cycles(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the routes. Everything except Ready is
// optional; a route whose dependency is unset answers 404.
type Deps struct {
	Ready   sharedobs.ReadinessChecker
	Status  StatusSource
	Map     MapSource
	Refresh Refresher
	History HistorySource
	// CellSize bins the coordinates passed to /cells/history.
	CellSize float64
	// CellsXLSX and ObservationsCSV are the export paths served for download.
	CellsXLSX       string
	ObservationsCSV string
}

// Server exposes health, readiness, metrics, and pipeline inspection endpoints.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, /status,
// /map, /cells/history, /export downloads, and POST /refresh routes.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(deps.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /map", s.handleMap)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("GET /cells/history", s.handleHistory)
	mux.HandleFunc("GET /export/cells.xlsx", s.handleDownload(deps.CellsXLSX,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
	mux.HandleFunc("GET /export/observations.csv", s.handleDownload(deps.ObservationsCSV,
		"text/csv; charset=utf-8"))

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		http.NotFound(w, r)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, s.deps.Status.Current())
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	var page []byte
	if s.deps.Map != nil {
		page = s.deps.Map.Latest()
	}
	if page == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("write map response", "error", err)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresh == nil {
		http.NotFound(w, r)
		return
	}
	if !s.deps.Refresh.Trigger() {
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "already queued"})
		return
	}
	s.logger.Info("refresh requested", "remote", r.RemoteAddr)
	sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// snapshotJSON is a CellSnapshot with the mean as a nullable number; JSON has
// no NaN.
type snapshotJSON struct {
	CycleID     string    `json:"cycle_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Mean        *float64  `json:"no2_mean"`
	Count       int       `json:"count"`
	Label       string    `json:"label,omitempty"`
}

type historyResponse struct {
	domain.CellKey
	CellSize       float64        `json:"cell_size"`
	CyclesRecorded int            `json:"cycles_recorded"`
	Snapshots      []snapshotJSON `json:"snapshots"`
}

// handleHistory bins the lat/lon query point into its cell and returns that
// cell's recorded snapshots, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil || s.deps.CellSize <= 0 {
		http.NotFound(w, r)
		return
	}
	lat, err := parseCoord(r, "lat", 90)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	lon, err := parseCoord(r, "lon", 180)
	if err != nil {
		sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	key := domain.Bin(lat, lon, s.deps.CellSize)
	snaps, err := s.deps.History.History(r.Context(), key)
	if err != nil {
		s.logger.Error("cell history query failed", "lat_bin", key.LatBin, "lon_bin", key.LonBin, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	cycles, err := s.deps.History.Cycles(r.Context())
	if err != nil {
		s.logger.Error("cycle count query failed", "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}

	resp := historyResponse{
		CellKey:        key,
		CellSize:       s.deps.CellSize,
		CyclesRecorded: cycles,
		Snapshots:      make([]snapshotJSON, 0, len(snaps)),
	}
	for _, snap := range snaps {
		out := snapshotJSON{
			CycleID:     snap.CycleID,
			GeneratedAt: snap.GeneratedAt,
			Count:       snap.Count,
			Label:       snap.Label,
		}
		if !math.IsNaN(snap.Mean) && !math.IsInf(snap.Mean, 0) {
			mean := snap.Mean
			out.Mean = &mean
		}
		resp.Snapshots = append(resp.Snapshots, out)
	}
	sharedobs.WriteJSON(w, http.StatusOK, resp)
}

func parseCoord(r *http.Request, name string, limit float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.Abs(v) > limit {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

// handleDownload serves the export at path as an attachment. It answers 404
// when the export is not configured or has not been written yet.
func (s *Server) handleDownload(path, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if path == "" {
			http.NotFound(w, r)
			return
		}
		f, err := os.Open(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Error("open export failed", "path", path, "error", err)
			}
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			s.logger.Error("stat export failed", "path", path, "error", err)
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	}
}
