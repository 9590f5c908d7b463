package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coldlab-data/fountain/internal/archive"
	"github.com/coldlab-data/fountain/internal/httputil"
	"github.com/coldlab-data/fountain/internal/store"
)

func (s *Server) archiveTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	days, err := s.files.Tree()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to scan archive: %v", err))
		return
	}
	if days == nil {
		days = []store.DayEntry{}
	}
	httputil.WriteJSONOK(w, days)
}

// archiveRun returns a sealed run's metadata, per-step results and any
// re-analysis passes recorded for it.
func (s *Server) archiveRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runDir, ok := s.resolveRun(w, r)
	if !ok {
		return
	}

	resp := map[string]any{}
	if meta, err := store.ReadMeta(runDir); err == nil {
		resp["meta"] = meta
	}
	recs, err := store.ReadResults(runDir)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read results: %v", err))
		return
	}
	resp["results"] = recs

	if s.index != nil {
		if passes, err := s.index.ReanalysesForRun(runDir); err == nil && len(passes) > 0 {
			resp["reanalyses"] = passes
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) archiveWaveforms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runDir, ok := s.resolveRun(w, r)
	if !ok {
		return
	}

	stepParam := r.URL.Query().Get("step")
	if stepParam == "" {
		indexes, err := store.StepIndexes(runDir)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list steps: %v", err))
			return
		}
		httputil.WriteJSONOK(w, indexes)
		return
	}

	step, err := strconv.Atoi(stepParam)
	if err != nil || step < 0 {
		httputil.BadRequest(w, "invalid 'step' parameter")
		return
	}
	wf, err := store.ReadWaveforms(runDir, step)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("step %d: %v", step, err))
		return
	}
	httputil.WriteJSONOK(w, wf)
}

type reanalyzeRequest struct {
	Date      string            `json:"date"` // YYYY-MM-DD
	Run       string            `json:"run"`  // runNN_YYYYMMDD
	Overrides archive.Overrides `json:"overrides"`
}

func (s *Server) reanalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req reanalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request: %v", err))
		return
	}
	runDir, err := s.files.RunDir(req.Date, req.Run)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}

	res, err := s.rean.Reanalyze(runDir, req.Overrides)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("re-analysis failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, res)
}

// resolveRun maps the date and run query parameters onto an archive
// directory, writing the error response itself on failure.
func (s *Server) resolveRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.URL.Query().Get("date")
	name := r.URL.Query().Get("run")
	if date == "" || name == "" {
		httputil.BadRequest(w, "missing 'date' or 'run' parameter")
		return "", false
	}
	dir, err := s.files.RunDir(date, name)
	if err != nil {
		httputil.NotFound(w, err.Error())
		return "", false
	}
	return dir, true
}
