package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coldlab-data/fountain/internal/httputil"
	"github.com/coldlab-data/fountain/internal/run"
)

// streamEvents pushes the active run's step results and state changes as
// server-sent events. The stream ends when the run seals or the client
// disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, events, err := s.mgr.Subscribe()
	if errors.Is(err, run.ErrNoActiveRun) {
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	defer s.mgr.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Snapshot first so a late subscriber knows where the run stands.
	if err := writeEvent(w, run.Event{Type: "status"}, s.mgr.Status()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, ev, nil); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev run.Event, snapshot any) error {
	var payload any = ev
	if snapshot != nil {
		payload = map[string]any{"type": ev.Type, "status": snapshot}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
