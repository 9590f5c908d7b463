// Package api exposes the controller over HTTP: starting and aborting
// sweeps, a live event stream, the archive browser and re-analysis.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coldlab-data/fountain/internal/archive"
	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/db"
	"github.com/coldlab-data/fountain/internal/httputil"
	"github.com/coldlab-data/fountain/internal/monitoring"
	"github.com/coldlab-data/fountain/internal/run"
	"github.com/coldlab-data/fountain/internal/store"
	"github.com/coldlab-data/fountain/internal/sweep"
	"github.com/coldlab-data/fountain/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	mgr   *run.Manager
	index *db.DB
	files *store.Store
	rean  *archive.Reanalyzer

	mu  sync.Mutex
	cfg *config.RunConfig
}

func NewServer(mgr *run.Manager, index *db.DB, files *store.Store, rean *archive.Reanalyzer, cfg *config.RunConfig) *Server {
	return &Server{
		mgr:   mgr,
		index: index,
		files: files,
		rean:  rean,
		cfg:   cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/abort", s.abortRun)
	mux.HandleFunc("/api/runs/status", s.runStatus)
	mux.HandleFunc("/api/run", s.showRun)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/archive", s.archiveTree)
	mux.HandleFunc("/api/archive/run", s.archiveRun)
	mux.HandleFunc("/api/archive/waveforms", s.archiveWaveforms)
	mux.HandleFunc("/api/reanalyze", s.reanalyze)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// handleRuns starts a sweep on POST and lists recent runs on GET.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.startRun(w, r)
	case http.MethodGet:
		s.listRuns(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var spec sweep.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid sweep spec: %v", err))
		return
	}

	res, err := s.mgr.Start(r.Context(), spec)
	if err != nil {
		var mismatch *sweep.SpecMismatchError
		switch {
		case errors.As(err, &mismatch):
			httputil.BadRequest(w, mismatch.Error())
		case errors.Is(err, run.ErrRunActive):
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		default:
			httputil.InternalServerError(w, fmt.Sprintf("failed to start run: %v", err))
		}
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, res)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.index.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) abortRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.mgr.Abort(); err != nil {
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "aborting"})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.mgr.Status())
}

// showRun returns the indexed summary and per-step metrics for one run.
func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		httputil.BadRequest(w, "missing 'uuid' parameter")
		return
	}

	row, err := s.index.GetRun(uuid)
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", uuid))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
		return
	}
	steps, err := s.index.StepsForRun(uuid)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load steps: %v", err))
		return
	}

	httputil.WriteJSONOK(w, map[string]any{
		"run":   row,
		"steps": steps,
	})
}

// handleConfig returns the acquisition configuration on GET and replaces
// it on POST. Updates are refused while a run holds the hardware.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		defer s.mu.Unlock()
		httputil.WriteJSONOK(w, s.cfg)
	case http.MethodPost:
		var next config.RunConfig
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid config: %v", err))
			return
		}
		if err := next.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if s.mgr.Status().State == run.StateRunning {
			httputil.WriteJSONError(w, http.StatusConflict, "cannot change configuration while a run is active")
			return
		}
		s.mu.Lock()
		*s.cfg = next
		s.mu.Unlock()
		httputil.WriteJSONOK(w, s.cfg)
	default:
		httputil.MethodNotAllowed(w)
	}
}
