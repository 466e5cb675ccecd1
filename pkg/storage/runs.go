package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

// CreateRun inserts a run, allocating the next contiguous run number for
// the task inside the insert transaction.
func (s *Store) CreateRun(ctx context.Context, run *eval.Run) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.Status == "" {
		run.Status = eval.StatusPending
	}
	run.StartedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM eval_runs WHERE task_id = ?`, run.TaskID)
	var count int
	if err := row.Scan(&count); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "failed to count runs")
	}
	run.RunNumber = count + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO eval_runs (id, task_id, run_number, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.RunNumber, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create run")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to commit run")
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*eval.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, run_number, status, summary, started_at, completed_at, error
		FROM eval_runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns a task's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string) ([]*eval.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_number, status, summary, started_at, completed_at, error
		FROM eval_runs WHERE task_id = ? ORDER BY run_number DESC`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list runs")
	}
	defer rows.Close()

	var runs []*eval.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run for a task, or NOT_FOUND if the
// task has never run.
func (s *Store) LatestRun(ctx context.Context, taskID string) (*eval.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, run_number, status, summary, started_at, completed_at, error
		FROM eval_runs WHERE task_id = ? ORDER BY run_number DESC LIMIT 1`, taskID)
	return scanRun(row)
}

// MarkRunRunning transitions a pending run to RUNNING.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE eval_runs SET status = ? WHERE id = ? AND status = ?`,
		string(eval.StatusRunning), runID, string(eval.StatusPending),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to mark run running")
	}
	return requireRow(res, "run", runID)
}

// CompleteRun transitions a run to COMPLETED with its summary. Terminal
// runs are left untouched so a superseded run cannot be resurrected.
func (s *Store) CompleteRun(ctx context.Context, runID string, summary *eval.Summary) error {
	encoded, err := marshalJSON(summary)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode summary")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE eval_runs SET status = ?, summary = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(eval.StatusCompleted), encoded, time.Now().UTC(), runID,
		string(eval.StatusCompleted), string(eval.StatusFailed),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to complete run")
	}
	return requireRow(res, "run", runID)
}

// FailStaleRuns marks every non-terminal run FAILED with the given message.
// Called once at startup: a run that is PENDING or RUNNING with no process
// driving it was interrupted by a crash or restart and can never finish.
func (s *Store) FailStaleRuns(ctx context.Context, message string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE eval_runs SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		string(eval.StatusFailed), message, time.Now().UTC(),
		string(eval.StatusPending), string(eval.StatusRunning),
	)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to sweep stale runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to count swept runs")
	}
	return int(n), nil
}

// FailRun transitions a run to FAILED with an error message, unless it is
// already terminal.
func (s *Store) FailRun(ctx context.Context, runID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE eval_runs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(eval.StatusFailed), message, time.Now().UTC(), runID,
		string(eval.StatusCompleted), string(eval.StatusFailed),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to mark run failed")
	}
	return requireRow(res, "run", runID)
}

func scanRun(row rowScanner) (*eval.Run, error) {
	var r eval.Run
	var status string
	var summary, errMsg sql.NullString
	var completed sql.NullTime
	err := row.Scan(&r.ID, &r.TaskID, &r.RunNumber, &status, &summary,
		&r.StartedAt, &completed, &errMsg)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "run not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan run")
	}
	r.Status = eval.RunStatus(status)
	r.Error = strPtr(errMsg)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if summary.Valid {
		var sum eval.Summary
		if err := unmarshalJSON(summary.String, &sum); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to decode run summary")
		}
		r.Summary = &sum
	}
	return &r, nil
}
