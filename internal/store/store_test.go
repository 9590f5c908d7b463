package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/coldlab-data/fountain/internal/physics"
)

var testTime = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return &Store{Base: t.TempDir()}
}

func testRecord(index int) StepRecord {
	p := func(v float64) *float64 { return &v }
	return StepRecord{
		Index:     index,
		Timestamp: testTime.Add(time.Duration(index) * time.Second),
		Params:    []float64{318000 + float64(index), 0.5},
		Delay:     0.1103,
		FitUp:     physics.FitResult{Amplitude: 1.2, Center: 0.110, Sigma: 0.004, Converged: true},
		FitDw:     physics.FitResult{Amplitude: 0.4, Center: 0.111, Sigma: 0.005, Converged: true},
		Derived: physics.Derived{
			AreaUp: 0.012, AreaDw: 0.005,
			NF2: 83000, NF1: 37000,
			PF2: p(69.17), PF1: p(30.83), TemperatureUK: p(2.31),
		},
		NoFitUp: physics.FitResult{Amplitude: 1.19, Center: 0.1105, Sigma: 0.0041},
		NoFitDw: physics.FitResult{Amplitude: 0.41, Center: 0.111, Sigma: 0.0052},
		DerivedNF: physics.Derived{
			AreaUp: 0.0121, AreaDw: 0.0049,
			NF2: 84000, NF1: 36000,
			PF2: p(70.0), PF1: p(30.0), TemperatureUK: p(2.4),
		},
	}
}

func TestInitRun_Layout(t *testing.T) {
	s := newTestStore(t)

	tmpl := filepath.Join(t.TempDir(), "seq0.mot")
	os.WriteFile(tmpl, []byte("delay = <PARAMETER0>\n"), 0o644)

	run, err := s.InitRun(testTime, "uuid-1", map[string]int{"decimation": 64}, tmpl)
	if err != nil {
		t.Fatalf("InitRun: %v", err)
	}

	if run.ID != "run00_20260830" {
		t.Errorf("run ID = %q, want run00_20260830", run.ID)
	}
	wantDir := filepath.Join(s.Base, "2026", "08", "30", "run00_20260830")
	if run.Path != wantDir {
		t.Errorf("run path = %q, want %q", run.Path, wantDir)
	}
	for _, name := range []string{"config.json", "sequence.mot", "results.csv", "waveforms"} {
		if _, err := os.Stat(filepath.Join(run.Path, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestNextRunNumber(t *testing.T) {
	s := newTestStore(t)

	// Seed two runs plus an unrelated directory.
	day := filepath.Join(s.Base, "2026", "08", "30")
	for _, name := range []string{"run00_20260830", "run07_20260830", "notes"} {
		os.MkdirAll(filepath.Join(day, name), 0o755)
	}

	id, err := s.nextRunID(testTime)
	if err != nil {
		t.Fatal(err)
	}
	if id != "run08_20260830" {
		t.Errorf("nextRunID = %q, want run08_20260830", id)
	}
}

func TestAppendRow_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	run, err := s.InitRun(testTime, "uuid-1", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	want := []StepRecord{testRecord(0), testRecord(1)}
	want[1].Rejected = "Signal Amplitude > 9.5V"
	for _, rec := range want {
		if err := run.AppendRow(rec); err != nil {
			t.Fatalf("AppendRow(%d): %v", rec.Index, err)
		}
	}
	if err := run.Seal("completed", testTime.Add(time.Minute)); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := ReadResults(run.Path)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].Index != 0 || got[1].Index != 1 {
		t.Errorf("indexes = %d,%d", got[0].Index, got[1].Index)
	}
	if diff := cmp.Diff(want[0].Params, got[0].Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if got[1].Rejected != want[1].Rejected {
		t.Errorf("rejected = %q, want %q", got[1].Rejected, want[1].Rejected)
	}
	if got[0].Derived.PF2 == nil || *got[0].Derived.PF2 != 69.17 {
		t.Errorf("PF2 round trip failed: %v", got[0].Derived.PF2)
	}
	if !got[0].FitUp.Converged {
		t.Error("converged flag lost")
	}
	if got[0].DerivedNF.NF2 != 84000 || got[0].NoFitUp.Sigma != 0.0041 {
		t.Errorf("no-fit metrics round trip failed: %+v %+v", got[0].DerivedNF, got[0].NoFitUp)
	}
}

func TestAppendRow_OutOfOrder(t *testing.T) {
	s := newTestStore(t)
	run, err := s.InitRun(testTime, "uuid-1", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.AppendRow(testRecord(1)); err == nil {
		t.Error("expected error for out-of-order step")
	}
	if err := run.AppendRow(testRecord(0)); err != nil {
		t.Errorf("in-order append failed: %v", err)
	}
}

func TestAppendRow_AfterSeal(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.InitRun(testTime, "uuid-1", nil, "")
	run.Seal("aborted", testTime)
	if err := run.AppendRow(testRecord(0)); err == nil {
		t.Error("expected error appending to sealed run")
	}
}

func TestWaveforms_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.InitRun(testTime, "uuid-1", nil, "")

	want := Waveforms{
		Index:    3,
		Params:   []float64{318000},
		Time:     []float64{0, 0.001, 0.002},
		Up:       []float64{0.1, 0.9, 0.2},
		Dw:       []float64{0.05, 0.3, 0.1},
		WindowUp: [2]float64{0.1, 0.12},
	}
	if err := run.WriteWaveforms(want); err != nil {
		t.Fatalf("WriteWaveforms: %v", err)
	}

	got, err := ReadWaveforms(run.Path, 3)
	if err != nil {
		t.Fatalf("ReadWaveforms: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("waveform mismatch (-want +got):\n%s", diff)
	}

	idx, err := StepIndexes(run.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 1 || idx[0] != 3 {
		t.Errorf("StepIndexes = %v, want [3]", idx)
	}
}

func TestSeal_WritesMeta(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.InitRun(testTime, "uuid-7", nil, "")
	run.AppendRow(testRecord(0))
	if err := run.Seal("aborted", testTime.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	meta, err := ReadMeta(run.Path)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if meta.State != "aborted" || meta.Steps != 1 || meta.UUID != "uuid-7" {
		t.Errorf("meta = %+v", meta)
	}

	// Sealing twice is harmless.
	if err := run.Seal("completed", testTime); err != nil {
		t.Errorf("second Seal: %v", err)
	}
	meta, _ = ReadMeta(run.Path)
	if meta.State != "aborted" {
		t.Errorf("second seal overwrote state: %q", meta.State)
	}
}

func TestTree(t *testing.T) {
	s := newTestStore(t)
	s.InitRun(testTime, "u1", nil, "")
	s.InitRun(testTime, "u2", nil, "")
	s.InitRun(testTime.AddDate(0, 0, 1), "u3", nil, "")

	days, err := s.Tree()
	if err != nil {
		t.Fatal(err)
	}
	if len(days) != 2 {
		t.Fatalf("got %d days, want 2", len(days))
	}
	if days[0].Date != "2026-08-30" || len(days[0].Runs) != 2 {
		t.Errorf("day[0] = %+v", days[0])
	}
	if days[1].Date != "2026-08-31" || days[1].Runs[0] != "run00_20260831" {
		t.Errorf("day[1] = %+v", days[1])
	}

	dir, err := s.RunDir("2026-08-30", "run01_20260830")
	if err != nil {
		t.Fatalf("RunDir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("resolved dir missing: %v", err)
	}

	if _, err := s.RunDir("2026-08-30", "../escape"); err == nil {
		t.Error("expected error for path escape")
	}
}
