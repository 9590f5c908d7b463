// Package archive re-analyses sealed runs. It reads the raw waveform
// artifacts back, runs the physics engine with (possibly overridden)
// constants and writes results_reanalysis.csv next to the original
// results. The raw artifacts and the original results are never touched,
// so a re-analysis can always be repeated or discarded.
package archive

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/db"
	"github.com/coldlab-data/fountain/internal/monitoring"
	"github.com/coldlab-data/fountain/internal/physics"
	"github.com/coldlab-data/fountain/internal/run"
	"github.com/coldlab-data/fountain/internal/store"
)

// ReanalysisFile is the output written next to results.csv.
const ReanalysisFile = "results_reanalysis.csv"

// Overrides adjusts the analysis relative to the run's recorded
// configuration. Nil fields keep the archived values.
type Overrides struct {
	Constants *physics.Constants `json:"constants,omitempty"`
	WindowUp  *config.FitWindow  `json:"window_up,omitempty"`
	WindowDw  *config.FitWindow  `json:"window_dw,omitempty"`
}

// Reanalyzer re-runs the analysis chain over archived runs.
type Reanalyzer struct {
	Index *db.DB // nil disables bookkeeping
}

// Result summarises one re-analysis pass.
type Result struct {
	Output   string `json:"output"`
	Steps    int    `json:"steps"`
	Rejected int    `json:"rejected"`
}

// Reanalyze processes every archived step of the run directory. Running it
// twice with the same overrides produces an identical output file.
func (r *Reanalyzer) Reanalyze(runDir string, ov Overrides) (Result, error) {
	cfg, err := archivedConfig(runDir)
	if err != nil {
		return Result{}, err
	}

	analyzer := run.Analyzer{
		Constants: cfg.Constants(),
		WindowUp:  cfg.GetFitWindowUp(),
		WindowDw:  cfg.GetFitWindowDw(),
	}
	if ov.Constants != nil {
		analyzer.Constants = *ov.Constants
	}
	if ov.WindowUp != nil {
		analyzer.WindowUp = *ov.WindowUp
	}
	if ov.WindowDw != nil {
		analyzer.WindowDw = *ov.WindowDw
	}

	originals, err := store.ReadResults(runDir)
	if err != nil {
		return Result{}, fmt.Errorf("read original results: %w", err)
	}
	byIndex := make(map[int]store.StepRecord, len(originals))
	for _, rec := range originals {
		byIndex[rec.Index] = rec
	}

	indexes, err := store.StepIndexes(runDir)
	if err != nil {
		return Result{}, fmt.Errorf("list step artifacts: %w", err)
	}

	var recs []store.StepRecord
	rejected := 0
	for _, idx := range indexes {
		wf, err := store.ReadWaveforms(runDir, idx)
		if err != nil {
			return Result{}, fmt.Errorf("step %d: %w", idx, err)
		}

		// The archived TOF axis already carries the step's timing delay,
		// so the traces are analysed exactly as they were live.
		res := analyzer.Analyze(wf.Time, wf.Up, wf.Dw)

		rec := store.StepRecord{
			Index:     idx,
			Params:    wf.Params,
			FitUp:     res.FitUp,
			FitDw:     res.FitDw,
			Derived:   res.Derived,
			NoFitUp:   res.NoFitUp,
			NoFitDw:   res.NoFitDw,
			DerivedNF: res.DerivedNF,
			Rejected:  res.Rejected,
		}
		if orig, ok := byIndex[idx]; ok {
			rec.Timestamp = orig.Timestamp
			rec.Delay = orig.Delay
		}
		if rec.Rejected != "" {
			rejected++
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return Result{}, fmt.Errorf("run %s has no step artifacts", runDir)
	}

	outPath := filepath.Join(runDir, ReanalysisFile)
	if err := store.WriteResults(outPath, recs); err != nil {
		return Result{}, err
	}

	if r.Index != nil {
		ovJSON, err := json.Marshal(ov)
		if err != nil {
			ovJSON = []byte("{}")
		}
		if _, err := r.Index.InsertReanalysis(db.ReanalysisRow{
			RunPath:   runDir,
			Output:    ReanalysisFile,
			Overrides: string(ovJSON),
			CreatedAt: time.Now(),
		}); err != nil {
			monitoring.Logf("archive: reanalysis bookkeeping failed for %s: %v", runDir, err)
		}
	}

	monitoring.Logf("archive: re-analysed %s, %d steps (%d rejected)", runDir, len(recs), rejected)
	return Result{Output: ReanalysisFile, Steps: len(recs), Rejected: rejected}, nil
}

// archivedConfig loads the configuration snapshot stored with the run.
func archivedConfig(runDir string) (*config.RunConfig, error) {
	cfg, err := config.Load(filepath.Join(runDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("run config snapshot: %w", err)
	}
	return cfg, nil
}
