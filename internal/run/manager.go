package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/daq"
	"github.com/coldlab-data/fountain/internal/db"
	"github.com/coldlab-data/fountain/internal/monitoring"
	"github.com/coldlab-data/fountain/internal/seq"
	"github.com/coldlab-data/fountain/internal/store"
	"github.com/coldlab-data/fountain/internal/sweep"
)

// ErrRunActive is returned by Start while another run holds the hardware.
var ErrRunActive = errors.New("a run is already active")

// ErrNoActiveRun is returned by Abort and Subscribe when nothing is
// running.
var ErrNoActiveRun = errors.New("no active run")

// Manager owns the single hardware resource: at most one pipeline runs at
// a time, and everything that can fail from a bad request fails before the
// hardware is touched.
type Manager struct {
	Cfg     *config.RunConfig
	Backend daq.Backend
	Prep    Preparer
	Store   *store.Store
	Index   *db.DB // nil disables the run index

	mu      sync.Mutex
	current *Pipeline
}

// StartResult identifies a freshly started run.
type StartResult struct {
	UUID  string `json:"uuid"`
	RunID string `json:"run_id"`
	Total int    `json:"total"`
}

// Start expands the sweep, allocates the run directory and launches the
// pipeline. Expansion and template errors surface here, before any
// hardware action; once Start returns the run is Running.
func (m *Manager) Start(ctx context.Context, spec sweep.Spec) (StartResult, error) {
	steps, err := sweep.Expand(spec, nil)
	if err != nil {
		return StartResult{}, err
	}
	if err := m.checkTemplateArity(steps); err != nil {
		return StartResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && !m.current.Status().State.Terminal() {
		return StartResult{}, ErrRunActive
	}

	now := time.Now()
	id := uuid.NewString()
	runDir, err := m.Store.InitRun(now, id, m.Cfg, m.Cfg.GetTemplatePath())
	if err != nil {
		return StartResult{}, fmt.Errorf("init run: %w", err)
	}

	if m.Index != nil {
		row := db.RunRow{
			UUID:      id,
			Name:      runDir.ID,
			Path:      runDir.Path,
			Mode:      string(spec.Mode),
			State:     string(StateRunning),
			Total:     len(steps),
			StartedAt: now,
		}
		if err := m.Index.InsertRun(row); err != nil {
			return StartResult{}, fmt.Errorf("index run: %w", err)
		}
	}

	p := &Pipeline{
		cfg:      m.Cfg,
		backend:  m.Backend,
		prep:     m.Prep,
		analyzer: m.analyzer(),
		index:    m.Index,
		run:      runDir,
		uuid:     id,
		steps:    steps,
		bc:       newBroadcaster(),
		done:     make(chan struct{}),
		state:    StateRunning,
	}
	m.current = p

	monitoring.Logf("run %s (%s): starting %d steps, mode %s", runDir.ID, id, len(steps), spec.Mode)

	// The run outlives the Start caller; a cancelled HTTP request must not
	// take the pipeline down with it.
	go p.execute(context.WithoutCancel(ctx))

	return StartResult{UUID: id, RunID: runDir.ID, Total: len(steps)}, nil
}

// checkTemplateArity rejects sweeps carrying more parameters than the
// sequence template has placeholders for; extra values would be silently
// dropped at render time.
func (m *Manager) checkTemplateArity(steps []sweep.StepParams) error {
	n, err := seq.CountPlaceholders(m.Cfg.GetTemplatePath())
	if err != nil {
		return fmt.Errorf("sequence template: %w", err)
	}
	if len(steps) > 0 && len(steps[0].Ordered) > n {
		return &sweep.SpecMismatchError{
			Reason: fmt.Sprintf("sweep has %d parameters but template declares %d placeholders",
				len(steps[0].Ordered), n),
		}
	}
	return nil
}

func (m *Manager) analyzer() Analyzer {
	return Analyzer{
		Constants:       m.Cfg.Constants(),
		GainUp:          m.Cfg.GetGainUp(),
		GainDw:          m.Cfg.GetGainDw(),
		VoltageLimit:    m.Cfg.GetVoltageLimit(),
		BaselineSamples: m.Cfg.GetBaselineSamples(),
		WindowUp:        m.Cfg.GetFitWindowUp(),
		WindowDw:        m.Cfg.GetFitWindowDw(),
	}
}

// Abort requests a cooperative stop of the active run. It returns
// immediately; the run seals once the queue drains.
func (m *Manager) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Status().State.Terminal() {
		return ErrNoActiveRun
	}
	monitoring.Logf("run %s: abort requested", m.current.run.ID)
	m.current.Abort()
	return nil
}

// Status reports the active or most recent run, or Idle.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Status{State: StateIdle}
	}
	return m.current.Status()
}

// Subscribe attaches to the active run's event stream.
func (m *Manager) Subscribe() (string, chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Status().State.Terminal() {
		return "", nil, ErrNoActiveRun
	}
	id, ch := m.current.bc.Subscribe()
	return id, ch, nil
}

// Unsubscribe detaches a subscriber; safe after the run has sealed.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.bc.Unsubscribe(id)
	}
}

// Wait blocks until the active run seals; a no-op when idle. Intended for
// tests and shutdown paths.
func (m *Manager) Wait() {
	m.mu.Lock()
	p := m.current
	m.mu.Unlock()
	if p != nil {
		<-p.Done()
	}
}
