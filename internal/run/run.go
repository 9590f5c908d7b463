// Package run drives one sweep through the hardware: a producer goroutine
// prepares and fires each step while a consumer goroutine fetches, analyses
// and persists the traces. The two halves meet at a bounded queue, so
// acquisition keeps moving while analysis catches up, and slow analysis
// eventually applies backpressure instead of piling up shots.
package run

import (
	"github.com/coldlab-data/fountain/internal/store"
)

// State is the run lifecycle. A run leaves Running for exactly one of the
// terminal states.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// StepResult is published to subscribers after each step is persisted.
type StepResult struct {
	RunUUID string           `json:"run_uuid"`
	RunID   string           `json:"run_id"`
	Total   int              `json:"total"`
	Record  store.StepRecord `json:"record"`
}

// Event is one entry on the live stream: either a step result or a run
// state change.
type Event struct {
	Type   string      `json:"type"` // "step" or "state"
	State  State       `json:"state,omitempty"`
	Error  string      `json:"error,omitempty"`
	Result *StepResult `json:"result,omitempty"`
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State   State  `json:"state"`
	RunUUID string `json:"run_uuid,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}
