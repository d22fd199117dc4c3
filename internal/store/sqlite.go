// Package store keeps the results of every clockbench run in a SQLite
// database so runs can be listed and compared later.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/BacZemin/Bioc2025-torch-clock/internal/evaluate"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/experiment"
	"github.com/BacZemin/Bioc2025-torch-clock/internal/trainer"
)

// DBFile is the database file name inside the output directory.
const DBFile = "results.db"

// timeFormat is fixed-width so stored timestamps sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunInfo is one row of the run listing.
type RunInfo struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Best        string    `json:"best,omitempty"`
	BestMAE     *float64  `json:"best_mae,omitempty"`
	Experiments int       `json:"experiments"`
	Failures    int       `json:"failures"`
}

// SQLiteStore persists run summaries.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, dbPath: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun writes a run summary and all of its experiments in one
// transaction. configJSON is stored verbatim.
func (s *SQLiteStore) SaveRun(ctx context.Context, sum *experiment.Summary, configJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, best, config) VALUES (?, ?, ?, ?, ?)`,
		sum.RunID, sum.StartedAt.UTC().Format(timeFormat), sum.FinishedAt.UTC().Format(timeFormat),
		nullString(sum.Best), nullString(configJSON)); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", sum.RunID, err)
	}

	for pos, e := range sum.Entries {
		if err := insertEntry(ctx, tx, sum.RunID, pos, e); err != nil {
			return fmt.Errorf("failed to insert experiment %q: %w", e.ProbeSet, err)
		}
	}

	return tx.Commit()
}

func insertEntry(ctx context.Context, tx *sql.Tx, runID string, pos int, e experiment.Entry) error {
	var failKind, failMsg sql.NullString
	if e.Failure != nil {
		failKind = nullString(string(e.Failure.Kind))
		failMsg = nullString(e.Failure.Message)
	}

	r := e.Result
	if r == nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO experiments (run_id, position, probe_set, has_result, failure_kind, failure_message)
			 VALUES (?, ?, ?, 0, ?, ?)`,
			runID, pos, e.ProbeSet, failKind, failMsg)
		return err
	}

	var mae, r2, ccc sql.NullFloat64
	if r.Metrics != nil {
		mae, r2, ccc = nullFloat(r.Metrics.MAE), nullFloat(r.Metrics.R2), nullFloat(r.Metrics.CCC)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO experiments (
			run_id, position, probe_set, has_result,
			n_features, n_samples, n_train, n_val, n_test, degenerate,
			mae, r2, ccc,
			epochs_ran, stop_reason, best_epoch, best_val_loss, checkpoint, duration_ns,
			failure_kind, failure_message
		) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, pos, e.ProbeSet,
		r.NFeatures, r.NSamples, r.Split.Train, r.Split.Val, r.Split.Test, r.Degenerate,
		mae, r2, ccc,
		r.EpochsRan, r.StopReason.String(), r.BestEpoch, nullFloat(r.BestValLoss), nullString(r.Checkpoint), int64(r.Duration),
		failKind, failMsg); err != nil {
		return err
	}

	for _, h := range r.History {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (run_id, position, epoch, train_loss, val_loss, val_mae, lr) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, pos, h.Epoch, nullFloat(h.TrainLoss), nullFloat(h.ValLoss), nullFloat(h.ValMAE), nullFloat(h.LR)); err != nil {
			return fmt.Errorf("history epoch %d: %w", h.Epoch, err)
		}
	}
	for i, p := range r.Predictions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO predictions (run_id, position, idx, actual, predicted) VALUES (?, ?, ?, ?, ?)`,
			runID, pos, i, p.Actual, p.Predicted); err != nil {
			return fmt.Errorf("prediction %d: %w", i, err)
		}
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT r.id, r.started_at, r.finished_at, r.best,
		       (SELECT e.mae FROM experiments e WHERE e.run_id = r.id AND e.probe_set = r.best AND e.failure_kind IS NULL LIMIT 1),
		       (SELECT COUNT(*) FROM experiments e WHERE e.run_id = r.id),
		       (SELECT COUNT(*) FROM experiments e WHERE e.run_id = r.id AND e.failure_kind IS NOT NULL)
		FROM runs r
		ORDER BY r.started_at DESC, r.id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var (
			info              RunInfo
			started, finished string
			best              sql.NullString
			bestMAE           sql.NullFloat64
		)
		if err := rows.Scan(&info.ID, &started, &finished, &best, &bestMAE, &info.Experiments, &info.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		info.StartedAt = parseTime(started)
		info.FinishedAt = parseTime(finished)
		info.Best = best.String
		if bestMAE.Valid {
			v := bestMAE.Float64
			info.BestMAE = &v
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// GetRun rebuilds the summary of a stored run, including histories and
// predictions.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*experiment.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var started, finished string
	var best sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, finished_at, best FROM runs WHERE id = ?`, id).Scan(&started, &finished, &best)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}

	sum := &experiment.Summary{
		RunID:      id,
		StartedAt:  parseTime(started),
		FinishedAt: parseTime(finished),
		Best:       best.String,
	}
	if sum.Entries, err = s.entries(ctx, id); err != nil {
		return nil, err
	}
	for i := range sum.Entries {
		r := sum.Entries[i].Result
		if r == nil {
			continue
		}
		if r.History, err = s.history(ctx, id, i); err != nil {
			return nil, err
		}
		if r.Metrics != nil {
			if r.Predictions, err = s.predictions(ctx, id, i); err != nil {
				return nil, err
			}
		}
	}
	return sum, nil
}

func (s *SQLiteStore) entries(ctx context.Context, runID string) ([]experiment.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT probe_set, has_result,
		       n_features, n_samples, n_train, n_val, n_test, degenerate,
		       mae, r2, ccc,
		       epochs_ran, stop_reason, best_epoch, best_val_loss, checkpoint, duration_ns,
		       failure_kind, failure_message
		FROM experiments WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	var entries []experiment.Entry
	for rows.Next() {
		var (
			e                                             experiment.Entry
			hasResult                                     bool
			nFeatures, nSamples, nTrain, nVal, nTest, deg sql.NullInt64
			mae, r2, ccc, bestValLoss                     sql.NullFloat64
			epochs, bestEpoch, duration                   sql.NullInt64
			stopReason, ckpt, failKind, failMsg           sql.NullString
		)
		if err := rows.Scan(&e.ProbeSet, &hasResult,
			&nFeatures, &nSamples, &nTrain, &nVal, &nTest, &deg,
			&mae, &r2, &ccc,
			&epochs, &stopReason, &bestEpoch, &bestValLoss, &ckpt, &duration,
			&failKind, &failMsg); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}

		if failKind.Valid {
			e.Failure = &experiment.Failure{Kind: experiment.FailureKind(failKind.String), Message: failMsg.String}
		}
		if hasResult {
			r := &experiment.Result{
				ProbeSet:    e.ProbeSet,
				NFeatures:   int(nFeatures.Int64),
				NSamples:    int(nSamples.Int64),
				Split:       experiment.SplitSizes{Train: int(nTrain.Int64), Val: int(nVal.Int64), Test: int(nTest.Int64)},
				Degenerate:  int(deg.Int64),
				EpochsRan:   int(epochs.Int64),
				BestEpoch:   int(bestEpoch.Int64),
				BestValLoss: floatOrNaN(bestValLoss),
				Checkpoint:  ckpt.String,
				Duration:    time.Duration(duration.Int64),
			}
			if stopReason.Valid {
				if r.StopReason, err = trainer.ParseState(stopReason.String); err != nil {
					return nil, fmt.Errorf("experiment %q: %w", e.ProbeSet, err)
				}
			}
			if mae.Valid {
				r.Metrics = &evaluate.Metrics{MAE: mae.Float64, R2: floatOrNaN(r2), CCC: floatOrNaN(ccc)}
			}
			e.Result = r
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) history(ctx context.Context, runID string, pos int) ([]trainer.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, train_loss, val_loss, val_mae, lr FROM history WHERE run_id = ? AND position = ? ORDER BY epoch`,
		runID, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []trainer.Record
	for rows.Next() {
		var rec trainer.Record
		var train, val, mae, lr sql.NullFloat64
		if err := rows.Scan(&rec.Epoch, &train, &val, &mae, &lr); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		rec.TrainLoss, rec.ValLoss, rec.ValMAE, rec.LR = floatOrNaN(train), floatOrNaN(val), floatOrNaN(mae), floatOrNaN(lr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) predictions(ctx context.Context, runID string, pos int) ([]evaluate.Pair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actual, predicted FROM predictions WHERE run_id = ? AND position = ? ORDER BY idx`,
		runID, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []evaluate.Pair
	for rows.Next() {
		var p evaluate.Pair
		if err := rows.Scan(&p.Actual, &p.Predicted); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and everything recorded for it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullFloat stores non-finite values as NULL.
func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: !math.IsNaN(f) && !math.IsInf(f, 0)}
}

func floatOrNaN(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
