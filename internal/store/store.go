// Package store keeps the history of simulation runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store manages run history in SQLite.
type Store struct {
	DBPath string
	db     *sql.DB
	now    func() time.Time
}

// Run is one stored simulation run.
type Run struct {
	ID         int64
	Seed       uint64
	Population int
	Params     epidemic.Params
	StartedAt  time.Time
	FinishedAt *time.Time
	Final      *types.DaySummary
}

// Day is one stored day of a run.
type Day struct {
	RunID     int64
	Day       int
	Infected  int
	Recovered int
	Deaths    int
	Total     int
	Exposed   int
}

// Open opens or creates the history database.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite 只允許一個寫入者
	db.SetMaxOpenConns(1)

	s := &Store{DBPath: absPath, db: db, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seed TEXT NOT NULL,
	population INTEGER NOT NULL,
	params_json TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	final_json TEXT
);

CREATE TABLE IF NOT EXISTS days (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	day INTEGER NOT NULL,
	infected INTEGER NOT NULL,
	recovered INTEGER NOT NULL,
	deaths INTEGER NOT NULL,
	total INTEGER NOT NULL,
	exposed INTEGER NOT NULL,
	PRIMARY KEY (run_id, day)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// BeginRun inserts a new run and returns its id.
func (s *Store) BeginRun(ctx context.Context, seed uint64, params epidemic.Params, population int) (int64, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("marshal params: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (seed, population, params_json, started_at)
		VALUES (?, ?, ?, ?)
	`, strconv.FormatUint(seed, 10), population, string(paramsJSON), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// RecordDay stores one day summary; re-recording a day overwrites it.
func (s *Store) RecordDay(ctx context.Context, runID int64, d types.DaySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO days (run_id, day, infected, recovered, deaths, total, exposed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, day) DO UPDATE SET
			infected = excluded.infected,
			recovered = excluded.recovered,
			deaths = excluded.deaths,
			total = excluded.total,
			exposed = excluded.exposed
	`, runID, d.Day, d.CurrentlyInfected, d.Recovered, d.Deaths, d.TotalInfected, d.Exposed)
	if err != nil {
		return fmt.Errorf("insert day %d: %w", d.Day, err)
	}
	return nil
}

// FinishRun marks a run finished with its last summary.
func (s *Store) FinishRun(ctx context.Context, runID int64, final types.DaySummary) error {
	finalJSON, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshal final summary: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, final_json = ? WHERE id = ?
	`, s.now().UTC().Format(time.RFC3339Nano), string(finalJSON), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	return nil
}

// RecordRun stores a complete headless run in one transaction.
func (s *Store) RecordRun(ctx context.Context, seed uint64, params epidemic.Params, population int, days []types.DaySummary) (int64, error) {
	if len(days) == 0 {
		return 0, errors.New("no days to record")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("marshal params: %w", err)
	}
	finalJSON, err := json.Marshal(days[len(days)-1])
	if err != nil {
		return 0, fmt.Errorf("marshal final summary: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (seed, population, params_json, started_at, finished_at, final_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, strconv.FormatUint(seed, 10), population, string(paramsJSON), now, now, string(finalJSON))
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO days (run_id, day, infected, recovered, deaths, total, exposed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare day insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range days {
		if _, err := stmt.ExecContext(ctx, runID, d.Day, d.CurrentlyInfected, d.Recovered, d.Deaths, d.TotalInfected, d.Exposed); err != nil {
			return 0, fmt.Errorf("insert day %d: %w", d.Day, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return runID, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seed, population, params_json, started_at, finished_at, final_json
		FROM runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seed, population, params_json, started_at, finished_at, final_json
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	return r, err
}

// Days returns the stored days of a run in order.
func (s *Store) Days(ctx context.Context, runID int64) ([]Day, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, day, infected, recovered, deaths, total, exposed
		FROM days WHERE run_id = ? ORDER BY day ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query days: %w", err)
	}
	defer rows.Close()

	var days []Day
	for rows.Next() {
		var d Day
		if err := rows.Scan(&d.RunID, &d.Day, &d.Infected, &d.Recovered, &d.Deaths, &d.Total, &d.Exposed); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r          Run
		seed       string
		paramsJSON string
		startedAt  string
		finishedAt sql.NullString
		finalJSON  sql.NullString
	)
	if err := row.Scan(&r.ID, &seed, &r.Population, &paramsJSON, &startedAt, &finishedAt, &finalJSON); err != nil {
		return Run{}, err
	}

	var err error
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return Run{}, fmt.Errorf("parse seed of run %d: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
		return Run{}, fmt.Errorf("parse params of run %d: %w", r.ID, err)
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Run{}, fmt.Errorf("parse started_at of run %d: %w", r.ID, err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse finished_at of run %d: %w", r.ID, err)
		}
		r.FinishedAt = &t
	}
	if finalJSON.Valid {
		var final types.DaySummary
		if err := json.Unmarshal([]byte(finalJSON.String), &final); err != nil {
			return Run{}, fmt.Errorf("parse final summary of run %d: %w", r.ID, err)
		}
		r.Final = &final
	}
	return r, nil
}
