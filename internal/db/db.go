// Package db keeps the run index: one row per run plus the per-step
// summary metrics, so the archive can be queried without walking the
// artifact tree. The raw waveforms stay on disk; this is an index, not
// the store of record.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens (or creates) the index database and applies pragmas.
// Migrations are applied separately via MigrateUp.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// modernc sqlite allows one writer; serialising through a single
	// connection avoids SQLITE_BUSY under the pipeline's write load.
	sdb.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &DB{sdb}, nil
}

// RunRow is one indexed run.
type RunRow struct {
	UUID      string
	Name      string // runNN_YYYYMMDD
	Path      string // artifact directory
	Mode      string // cartesian or zipped
	State     string // running, completed, aborted, failed
	Steps     int
	Total     int
	StartedAt time.Time
	SealedAt  *time.Time
	Error     string
}

// StepRow is the per-step summary kept in the index.
type StepRow struct {
	RunUUID   string
	StepIndex int
	Timestamp time.Time
	Param0    float64
	DelayS    float64
	NF2       float64
	NF1       float64
	PF2       *float64
	PF1       *float64
	TempUK    *float64
	Rejected  string
}

// ReanalysisRow records one re-analysis pass over an archived run.
type ReanalysisRow struct {
	ID        int64
	RunPath   string
	Output    string
	Overrides string // JSON snapshot of the constants used
	CreatedAt time.Time
}

var ErrRunNotFound = errors.New("run not found")

func (db *DB) InsertRun(r RunRow) error {
	_, err := db.Exec(`
		INSERT INTO runs (uuid, name, path, mode, state, steps, total, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UUID, r.Name, r.Path, r.Mode, r.State, r.Steps, r.Total, r.StartedAt.UTC(), r.Error)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.UUID, err)
	}
	return nil
}

// SealRun records the terminal state of a run.
func (db *DB) SealRun(uuid, state string, steps int, sealedAt time.Time, runErr string) error {
	res, err := db.Exec(`
		UPDATE runs SET state = ?, steps = ?, sealed_at = ?, error = ? WHERE uuid = ?`,
		state, steps, sealedAt.UTC(), runErr, uuid)
	if err != nil {
		return fmt.Errorf("seal run %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (db *DB) GetRun(uuid string) (RunRow, error) {
	var r RunRow
	var sealed sql.NullTime
	err := db.QueryRow(`
		SELECT uuid, name, path, mode, state, steps, total, started_at, sealed_at, error
		FROM runs WHERE uuid = ?`, uuid).
		Scan(&r.UUID, &r.Name, &r.Path, &r.Mode, &r.State, &r.Steps, &r.Total,
			&r.StartedAt, &sealed, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrRunNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get run %s: %w", uuid, err)
	}
	if sealed.Valid {
		r.SealedAt = &sealed.Time
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT uuid, name, path, mode, state, steps, total, started_at, sealed_at, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		var sealed sql.NullTime
		if err := rows.Scan(&r.UUID, &r.Name, &r.Path, &r.Mode, &r.State, &r.Steps,
			&r.Total, &r.StartedAt, &sealed, &r.Error); err != nil {
			return nil, err
		}
		if sealed.Valid {
			r.SealedAt = &sealed.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) InsertStep(s StepRow) error {
	_, err := db.Exec(`
		INSERT INTO step_results
			(run_uuid, step_index, timestamp, param0, delay_s, nf2, nf1, pf2, pf1, temp_uk, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RunUUID, s.StepIndex, s.Timestamp.UTC(), s.Param0, s.DelayS,
		s.NF2, s.NF1, optArg(s.PF2), optArg(s.PF1), optArg(s.TempUK), s.Rejected)
	if err != nil {
		return fmt.Errorf("insert step %d of %s: %w", s.StepIndex, s.RunUUID, err)
	}
	return nil
}

// StepsForRun returns the indexed step summaries in step order.
func (db *DB) StepsForRun(uuid string) ([]StepRow, error) {
	rows, err := db.Query(`
		SELECT run_uuid, step_index, timestamp, param0, delay_s, nf2, nf1, pf2, pf1, temp_uk, rejected
		FROM step_results WHERE run_uuid = ? ORDER BY step_index`, uuid)
	if err != nil {
		return nil, fmt.Errorf("steps for run %s: %w", uuid, err)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var s StepRow
		var pf2, pf1, temp sql.NullFloat64
		if err := rows.Scan(&s.RunUUID, &s.StepIndex, &s.Timestamp, &s.Param0, &s.DelayS,
			&s.NF2, &s.NF1, &pf2, &pf1, &temp, &s.Rejected); err != nil {
			return nil, err
		}
		s.PF2 = optVal(pf2)
		s.PF1 = optVal(pf1)
		s.TempUK = optVal(temp)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) InsertReanalysis(r ReanalysisRow) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO reanalyses (run_path, output, overrides, created_at)
		VALUES (?, ?, ?, ?)`,
		r.RunPath, r.Output, r.Overrides, r.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert reanalysis: %w", err)
	}
	return res.LastInsertId()
}

// ReanalysesForRun lists the re-analysis passes recorded for a run
// directory, oldest first.
func (db *DB) ReanalysesForRun(runPath string) ([]ReanalysisRow, error) {
	rows, err := db.Query(`
		SELECT id, run_path, output, overrides, created_at
		FROM reanalyses WHERE run_path = ? ORDER BY id`, runPath)
	if err != nil {
		return nil, fmt.Errorf("reanalyses for %s: %w", runPath, err)
	}
	defer rows.Close()

	var out []ReanalysisRow
	for rows.Next() {
		var r ReanalysisRow
		if err := rows.Scan(&r.ID, &r.RunPath, &r.Output, &r.Overrides, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func optArg(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func optVal(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
