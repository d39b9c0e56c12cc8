package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/fsbatch/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    source      TEXT NOT NULL,
    requests    INTEGER NOT NULL,
    lot_size    INTEGER NOT NULL,
    lots        INTEGER NOT NULL,
    succeeded   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    lost_items  INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createLotsTable = `
CREATE TABLE IF NOT EXISTS lots (
    run_id      TEXT NOT NULL REFERENCES runs(id),
    lot_id      INTEGER NOT NULL,
    first_index INTEGER NOT NULL,
    last_index  INTEGER NOT NULL,
    size        INTEGER NOT NULL,
    status      TEXT NOT NULL,
    cause       TEXT NOT NULL DEFAULT '',
    succeeded   INTEGER NOT NULL,
    failed      INTEGER NOT NULL,
    recoveries  INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (run_id, lot_id)
)`

const createOutcomesTable = `
CREATE TABLE IF NOT EXISTS outcomes (
    run_id      TEXT NOT NULL REFERENCES runs(id),
    idx         INTEGER NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    lost        INTEGER NOT NULL DEFAULT 0,
    fs          TEXT,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (run_id, idx)
)`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas below are per connection, and every connection to :memory: is
	// a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"runs":     createRunsTable,
		"lots":     createLotsTable,
		"outcomes": createOutcomesTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is still reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, status, source, requests, lot_size, lots,
			succeeded, failed, lost_items, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Source, r.Requests, r.LotSize, r.Lots,
		r.Succeeded, r.Failed, r.LostItems, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordLot inserts or replaces the summary of one lot.
func (s *SQLiteStore) RecordLot(ctx context.Context, l *model.LotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO lots (
			run_id, lot_id, first_index, last_index, size, status, cause,
			succeeded, failed, recoveries, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RunID, l.LotID, l.FirstIndex, l.LastIndex, l.Size, l.Status, l.Cause,
		l.Succeeded, l.Failed, l.Recoveries, l.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

// FinishRun stores the final state of a run together with its outcomes, in
// one transaction.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.Run, outcomes []model.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, succeeded = ?, failed = ?, lost_items = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Succeeded, r.Failed, r.LostItems, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO outcomes (run_id, idx, reason, lost, fs, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		var fs *string
		if len(o.Values) > 0 {
			data, err := json.Marshal(o.Values)
			if err != nil {
				return fmt.Errorf("marshal outcome %d: %w", o.Index, err)
			}
			v := string(data)
			fs = &v
		}
		if _, err := stmt.ExecContext(ctx, r.ID, o.Index, string(o.Reason), o.Lost, fs, o.DurationMS); err != nil {
			return fmt.Errorf("insert outcome %d: %w", o.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

const runColumns = `id, status, source, requests, lot_size, lots,
	succeeded, failed, lost_items, created_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.Status, &r.Source, &r.Requests, &r.LotSize, &r.Lots,
		&r.Succeeded, &r.Failed, &r.LostItems, &r.CreatedAt, &r.FinishedAt,
	)
	return r, err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs ordered by created_at DESC, along with the
// total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// ListLots returns every recorded lot of a run in lot order.
func (s *SQLiteStore) ListLots(ctx context.Context, runID string) ([]*model.LotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, lot_id, first_index, last_index, size, status, cause,
			succeeded, failed, recoveries, duration_ms
		FROM lots WHERE run_id = ? ORDER BY lot_id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	lots := []*model.LotRecord{}
	for rows.Next() {
		l := &model.LotRecord{}
		if err := rows.Scan(
			&l.RunID, &l.LotID, &l.FirstIndex, &l.LastIndex, &l.Size, &l.Status, &l.Cause,
			&l.Succeeded, &l.Failed, &l.Recoveries, &l.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return lots, nil
}

// ListOutcomes returns a page of a run's outcomes in index order, along with
// the run's total outcome count.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string, limit, offset int) ([]model.Outcome, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outcomes WHERE run_id = ?", runID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count outcomes: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT idx, reason, lost, fs, duration_ms FROM outcomes
		WHERE run_id = ? ORDER BY idx LIMIT ? OFFSET ?`,
		runID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []model.Outcome{}
	for rows.Next() {
		var (
			o      model.Outcome
			reason string
			fs     sql.NullString
		)
		if err := rows.Scan(&o.Index, &reason, &o.Lost, &fs, &o.DurationMS); err != nil {
			return nil, 0, fmt.Errorf("scan outcome: %w", err)
		}
		o.Reason = model.Reason(reason)
		if fs.Valid {
			if err := json.Unmarshal([]byte(fs.String), &o.Values); err != nil {
				return nil, 0, fmt.Errorf("decode outcome %d: %w", o.Index, err)
			}
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate outcomes: %w", err)
	}

	return outcomes, total, nil
}

// GetStats returns aggregate statistics across all runs.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		RunsByStatus:     make(map[string]int),
		FailuresByReason: make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(requests), 0), COALESCE(SUM(succeeded), 0),
			COALESCE(SUM(failed), 0), COALESCE(SUM(lost_items), 0)
		FROM runs`,
	).Scan(&stats.TotalRuns, &stats.Requests, &stats.Succeeded, &stats.Failed, &stats.LostItems); err != nil {
		return nil, fmt.Errorf("sum runs: %w", err)
	}

	if err := countInto(ctx, tx, stats.RunsByStatus,
		"SELECT status, COUNT(*) FROM runs GROUP BY status"); err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	if err := countInto(ctx, tx, stats.FailuresByReason,
		"SELECT reason, COUNT(*) FROM outcomes WHERE reason != '' GROUP BY reason"); err != nil {
		return nil, fmt.Errorf("count failures by reason: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(duration_ms), 0) FROM lots",
	).Scan(&stats.AvgLotDurationMS); err != nil {
		return nil, fmt.Errorf("average lot duration: %w", err)
	}

	return stats, nil
}

func countInto(ctx context.Context, tx *sql.Tx, dst map[string]int, query string) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}
