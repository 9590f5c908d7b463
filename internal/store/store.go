// Package store lays runs out on disk as a date tree:
//
//	<base>/YYYY/MM/DD/runNN_YYYYMMDD/
//	    config.json            run configuration snapshot
//	    sequence.mot           sequence template snapshot
//	    results.csv            one row per completed step, appended live
//	    run.json               run metadata, written on seal
//	    waveforms/step_NNNN.json.gz
//
// The raw per-step waveforms are immutable once written; re-analysis reads
// them back and writes its output next to results.csv, never over it.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/coldlab-data/fountain/internal/physics"
)

// Store is the root of the artifact tree.
type Store struct {
	Base string
}

// StepRecord is one results row. A non-empty Rejected means the step
// produced no derived metrics; the reason is recorded instead.
type StepRecord struct {
	Index     int               `json:"index"`
	Timestamp time.Time         `json:"timestamp"`
	Params    []float64         `json:"params"`
	Delay     float64           `json:"delay_s"`
	FitUp     physics.FitResult `json:"fit_up"`
	FitDw     physics.FitResult `json:"fit_dw"`
	Derived   physics.Derived   `json:"derived"`
	NoFitUp   physics.FitResult `json:"nofit_up"`
	NoFitDw   physics.FitResult `json:"nofit_dw"`
	DerivedNF physics.Derived   `json:"derived_nofit"`
	Rejected  string            `json:"rejected,omitempty"`
}

// Waveforms is the raw per-step artifact: the conditioned traces and the
// axis they were analysed on.
type Waveforms struct {
	Index    int        `json:"index"`
	Params   []float64  `json:"params"`
	Time     []float64  `json:"time_s"`
	Up       []float64  `json:"up"`
	Dw       []float64  `json:"dw"`
	WindowUp [2]float64 `json:"window_up"` // 0,0 when unwindowed
	WindowDw [2]float64 `json:"window_dw"`
}

// RunMeta is written as run.json when the run seals.
type RunMeta struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	StartedAt time.Time `json:"started_at"`
	SealedAt  time.Time `json:"sealed_at,omitempty"`
	State     string    `json:"state"`
	Steps     int       `json:"steps"`
}

// nextRunID predicts the directory name the next run on the given day
// will get, without creating anything.
func (s *Store) nextRunID(now time.Time) (string, error) {
	dayDir := s.dayDir(now)
	n, err := nextRunNumber(dayDir)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("run%02d_%s", n, now.Format("20060102")), nil
}

func (s *Store) dayDir(now time.Time) string {
	return filepath.Join(s.Base, now.Format("2006"), now.Format("01"), now.Format("02"))
}

// nextRunNumber scans the day directory for runNN prefixes and returns one
// past the highest. A missing day directory means 0.
func nextRunNumber(dayDir string) (int, error) {
	entries, err := os.ReadDir(dayDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dayDir, err)
	}
	max := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) < 4 || name[:3] != "run" {
			continue
		}
		digits := ""
		for _, r := range name[3:] {
			if r < '0' || r > '9' {
				break
			}
			digits += string(r)
		}
		if digits == "" {
			continue
		}
		if n, err := strconv.Atoi(digits); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Run is an open run directory accepting step artifacts. Rows must arrive
// in step-index order; an out-of-order append is a bug in the caller and
// is rejected.
type Run struct {
	ID   string
	UUID string
	Path string

	mu        sync.Mutex
	csvFile   *os.File
	csvWriter *csv.Writer
	next      int
	meta      RunMeta
	sealed    bool
}

var resultsHeader = []string{
	"Step", "Timestamp", "Parameter_P0", "All_Parameters", "Delay_s",
	"Area_UP", "Area_DW", "Atom_F2", "Atom_F1", "Prob_F2", "Prob_F1", "Temp_uK",
	"Amp_UP", "Amp_DW", "Sigma_UP", "Sigma_DW", "Center_UP", "Center_DW",
	"Converged_UP", "Converged_DW",
	"NF_Area_UP", "NF_Area_DW", "NF_Atom_F2", "NF_Atom_F1",
	"NF_Prob_F2", "NF_Prob_F1", "NF_Temp_uK",
	"NF_Amp_UP", "NF_Amp_DW", "NF_Sigma_UP", "NF_Sigma_DW",
	"NF_Center_UP", "NF_Center_DW",
	"Rejected",
}

// InitRun creates the next run directory for the day, snapshots the
// configuration and sequence template into it and opens results.csv.
func (s *Store) InitRun(now time.Time, uuid string, cfg any, templatePath string) (*Run, error) {
	dayDir := s.dayDir(now)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, fmt.Errorf("create day dir: %w", err)
	}
	id, err := s.nextRunID(now)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(dayDir, id)
	if err := os.MkdirAll(filepath.Join(runDir, "waveforms"), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "config.json"), cfgJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write config snapshot: %w", err)
	}

	if templatePath != "" {
		if err := copyFile(templatePath, filepath.Join(runDir, "sequence.mot")); err != nil {
			return nil, fmt.Errorf("snapshot sequence template: %w", err)
		}
	}

	f, err := os.Create(filepath.Join(runDir, "results.csv"))
	if err != nil {
		return nil, fmt.Errorf("create results.csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(resultsHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write results header: %w", err)
	}
	w.Flush()

	return &Run{
		ID:        id,
		UUID:      uuid,
		Path:      runDir,
		csvFile:   f,
		csvWriter: w,
		meta: RunMeta{
			ID:        id,
			UUID:      uuid,
			StartedAt: now,
			State:     "running",
		},
	}, nil
}

// AppendRow appends one results row and flushes, so a crash loses at most
// the in-flight step.
func (r *Run) AppendRow(rec StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("run %s already sealed", r.ID)
	}
	if rec.Index != r.next {
		return fmt.Errorf("out-of-order row: got step %d, want %d", rec.Index, r.next)
	}

	if err := r.csvWriter.Write(csvRow(rec)); err != nil {
		return fmt.Errorf("append results row: %w", err)
	}
	r.csvWriter.Flush()
	if err := r.csvWriter.Error(); err != nil {
		return fmt.Errorf("flush results row: %w", err)
	}
	r.next++
	r.meta.Steps = r.next
	return nil
}

func csvRow(rec StepRecord) []string {
	f := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }
	opt := func(p *float64, prec int) string {
		if p == nil {
			return ""
		}
		return f(*p, prec)
	}
	p0 := 0.0
	if len(rec.Params) > 0 {
		p0 = rec.Params[0]
	}
	allParams := ""
	for i, p := range rec.Params {
		if i > 0 {
			allParams += ";"
		}
		allParams += f(p, 6)
	}
	d := rec.Derived
	nf := rec.DerivedNF
	return []string{
		strconv.Itoa(rec.Index),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		f(p0, 6),
		allParams,
		f(rec.Delay, 9),
		f(d.AreaUp, 6), f(d.AreaDw, 6),
		f(d.NF2, 4), f(d.NF1, 4),
		opt(d.PF2, 2), opt(d.PF1, 2),
		opt(d.TemperatureUK, 4),
		f(rec.FitUp.Amplitude, 6), f(rec.FitDw.Amplitude, 6),
		f(rec.FitUp.Sigma, 6), f(rec.FitDw.Sigma, 6),
		f(rec.FitUp.Center, 6), f(rec.FitDw.Center, 6),
		strconv.FormatBool(rec.FitUp.Converged), strconv.FormatBool(rec.FitDw.Converged),
		f(nf.AreaUp, 6), f(nf.AreaDw, 6),
		f(nf.NF2, 4), f(nf.NF1, 4),
		opt(nf.PF2, 2), opt(nf.PF1, 2),
		opt(nf.TemperatureUK, 4),
		f(rec.NoFitUp.Amplitude, 6), f(rec.NoFitDw.Amplitude, 6),
		f(rec.NoFitUp.Sigma, 6), f(rec.NoFitDw.Sigma, 6),
		f(rec.NoFitUp.Center, 6), f(rec.NoFitDw.Center, 6),
		rec.Rejected,
	}
}

// WriteWaveforms stores the raw step artifact as gzipped JSON.
func (r *Run) WriteWaveforms(wf Waveforms) error {
	path := filepath.Join(r.Path, "waveforms", stepFileName(wf.Index))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create waveform artifact: %w", err)
	}
	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(wf); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("encode waveform artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finish waveform artifact: %w", err)
	}
	return f.Close()
}

func stepFileName(index int) string {
	return fmt.Sprintf("step_%04d.json.gz", index)
}

// Seal closes the run with a terminal state and writes run.json.
// Sealing twice is a no-op.
func (r *Run) Seal(state string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}
	r.sealed = true

	r.csvWriter.Flush()
	csvErr := r.csvWriter.Error()
	if err := r.csvFile.Close(); err != nil && csvErr == nil {
		csvErr = err
	}

	r.meta.State = state
	r.meta.SealedAt = at
	metaJSON, err := json.MarshalIndent(r.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.Path, "run.json"), metaJSON, 0o644); err != nil {
		return fmt.Errorf("write run meta: %w", err)
	}
	return csvErr
}

// WriteResults writes a complete results CSV in one shot. Used by the
// re-analyzer, which derives its rows from the archived waveforms instead
// of appending live.
func WriteResults(path string, recs []StepRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(resultsHeader); err != nil {
		f.Close()
		return err
	}
	for _, rec := range recs {
		if err := w.Write(csvRow(rec)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Steps reports how many rows have been appended so far.
func (r *Run) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
