package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/coldlab-data/fountain/internal/physics"
	"github.com/coldlab-data/fountain/internal/security"
)

// DayEntry is one day of the archive tree with its run directory names.
type DayEntry struct {
	Date string   `json:"date"` // YYYY-MM-DD
	Runs []string `json:"runs"`
}

// Tree walks the archive and lists every day that holds at least one run,
// oldest first.
func (s *Store) Tree() ([]DayEntry, error) {
	var days []DayEntry

	years, err := os.ReadDir(s.Base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	for _, y := range years {
		if !y.IsDir() || len(y.Name()) != 4 {
			continue
		}
		months, err := os.ReadDir(filepath.Join(s.Base, y.Name()))
		if err != nil {
			continue
		}
		for _, m := range months {
			if !m.IsDir() {
				continue
			}
			dayDirs, err := os.ReadDir(filepath.Join(s.Base, y.Name(), m.Name()))
			if err != nil {
				continue
			}
			for _, d := range dayDirs {
				if !d.IsDir() {
					continue
				}
				runs, err := os.ReadDir(filepath.Join(s.Base, y.Name(), m.Name(), d.Name()))
				if err != nil {
					continue
				}
				var names []string
				for _, r := range runs {
					if r.IsDir() && strings.HasPrefix(r.Name(), "run") {
						names = append(names, r.Name())
					}
				}
				if len(names) == 0 {
					continue
				}
				sort.Strings(names)
				days = append(days, DayEntry{
					Date: fmt.Sprintf("%s-%s-%s", y.Name(), m.Name(), d.Name()),
					Runs: names,
				})
			}
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, nil
}

// RunDir resolves an archive run by date and name, rejecting paths that
// try to escape the tree.
func (s *Store) RunDir(date, name string) (string, error) {
	parts := strings.SplitN(date, "-", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("bad date %q, want YYYY-MM-DD", date)
	}
	if strings.ContainsAny(name, "/\\") || name == ".." {
		return "", fmt.Errorf("bad run name %q", name)
	}
	dir := filepath.Join(s.Base, parts[0], parts[1], parts[2], name)
	if err := security.ValidatePathWithinDirectory(dir, s.Base); err != nil {
		return "", err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("run %s/%s not found", date, name)
	}
	return dir, nil
}

// ReadMeta loads run.json from a sealed run. Runs that crashed before
// sealing have no meta file; the caller gets os.ErrNotExist semantics.
func ReadMeta(runDir string) (RunMeta, error) {
	var meta RunMeta
	data, err := os.ReadFile(filepath.Join(runDir, "run.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse run meta: %w", err)
	}
	return meta, nil
}

// ReadResults parses results.csv back into records.
func ReadResults(runDir string) ([]StepRecord, error) {
	f, err := os.Open(filepath.Join(runDir, "results.csv"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(resultsHeader)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse results.csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("results.csv is empty")
	}

	recs := make([]StepRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec, err := parseRow(row)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func parseRow(row []string) (StepRecord, error) {
	var rec StepRecord
	var err error
	if rec.Index, err = strconv.Atoi(row[0]); err != nil {
		return rec, fmt.Errorf("bad step index %q", row[0])
	}
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, row[1]); err != nil {
		return rec, fmt.Errorf("bad timestamp %q", row[1])
	}
	for _, p := range strings.Split(row[3], ";") {
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return rec, fmt.Errorf("bad parameter %q", p)
		}
		rec.Params = append(rec.Params, v)
	}
	rec.Delay, _ = strconv.ParseFloat(row[4], 64)
	rec.Derived = physics.Derived{
		AreaUp: parseF(row[5]),
		AreaDw: parseF(row[6]),
		NF2:    parseF(row[7]),
		NF1:    parseF(row[8]),
	}
	rec.Derived.PF2 = parseOpt(row[9])
	rec.Derived.PF1 = parseOpt(row[10])
	rec.Derived.TemperatureUK = parseOpt(row[11])
	rec.FitUp = physics.FitResult{
		Amplitude: parseF(row[12]),
		Sigma:     parseF(row[14]),
		Center:    parseF(row[16]),
		Converged: row[18] == "true",
	}
	rec.FitDw = physics.FitResult{
		Amplitude: parseF(row[13]),
		Sigma:     parseF(row[15]),
		Center:    parseF(row[17]),
		Converged: row[19] == "true",
	}
	rec.DerivedNF = physics.Derived{
		AreaUp: parseF(row[20]),
		AreaDw: parseF(row[21]),
		NF2:    parseF(row[22]),
		NF1:    parseF(row[23]),
	}
	rec.DerivedNF.PF2 = parseOpt(row[24])
	rec.DerivedNF.PF1 = parseOpt(row[25])
	rec.DerivedNF.TemperatureUK = parseOpt(row[26])
	rec.NoFitUp = physics.FitResult{
		Amplitude: parseF(row[27]),
		Sigma:     parseF(row[29]),
		Center:    parseF(row[31]),
	}
	rec.NoFitDw = physics.FitResult{
		Amplitude: parseF(row[28]),
		Sigma:     parseF(row[30]),
		Center:    parseF(row[32]),
	}
	rec.Rejected = row[33]
	return rec, nil
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseOpt(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ReadWaveforms loads one raw step artifact.
func ReadWaveforms(runDir string, index int) (Waveforms, error) {
	var wf Waveforms
	f, err := os.Open(filepath.Join(runDir, "waveforms", stepFileName(index)))
	if err != nil {
		return wf, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return wf, fmt.Errorf("open waveform artifact: %w", err)
	}
	defer gz.Close()
	if err := json.NewDecoder(gz).Decode(&wf); err != nil {
		return wf, fmt.Errorf("decode waveform artifact: %w", err)
	}
	return wf, nil
}

// StepIndexes lists the step artifacts present in a run, sorted.
func StepIndexes(runDir string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, "waveforms"))
	if err != nil {
		return nil, err
	}
	var idx []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "step_%d.json.gz", &n); err == nil {
			idx = append(idx, n)
		}
	}
	sort.Ints(idx)
	return idx, nil
}
