package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

// PutResult inserts a case result. The (run_id, case_id) unique constraint
// guarantees exactly one result per case per run.
func (s *Store) PutResult(ctx context.Context, r *eval.Result) error {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	r.CreatedAt = time.Now().UTC()

	logs, err := marshalJSON(r.EvaluatorLogs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode evaluator logs")
	}
	if logs == "" {
		logs = "[]"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO eval_results (id, run_id, task_id, case_id, actual_output, is_passed,
			execution_error, evaluator_logs, duration_ms, skill_tokens, evaluator_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.TaskID, r.CaseID, nullStringPtr(r.ActualOutput),
		boolToInt(r.IsPassed), nullStringPtr(r.ExecutionError), logs,
		nullInt64Ptr(r.DurationMS), nullIntPtr(r.SkillTokens),
		nullIntPtr(r.EvaluatorTokens), r.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to insert result")
	}
	return nil
}

// ListResults returns a run's results in completion order.
func (s *Store) ListResults(ctx context.Context, runID string) ([]*eval.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, case_id, actual_output, is_passed,
		       execution_error, evaluator_logs, duration_ms, skill_tokens, evaluator_tokens, created_at
		FROM eval_results WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list results")
	}
	defer rows.Close()

	var results []*eval.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountResults reports how many results a run has persisted so far.
func (s *Store) CountResults(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM eval_results WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to count results")
	}
	return count, nil
}

func scanResult(row rowScanner) (*eval.Result, error) {
	var r eval.Result
	var actual, execErr sql.NullString
	var logs string
	var isPassed int
	var duration, skillTokens, evalTokens sql.NullInt64
	err := row.Scan(&r.ID, &r.RunID, &r.TaskID, &r.CaseID, &actual, &isPassed,
		&execErr, &logs, &duration, &skillTokens, &evalTokens, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "result not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan result")
	}
	r.ActualOutput = strPtr(actual)
	r.IsPassed = isPassed != 0
	r.ExecutionError = strPtr(execErr)
	r.DurationMS = int64Ptr(duration)
	r.SkillTokens = intPtr(skillTokens)
	r.EvaluatorTokens = intPtr(evalTokens)
	r.EvaluatorLogs = []eval.EvaluatorLog{}
	if err := unmarshalJSON(logs, &r.EvaluatorLogs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to decode evaluator logs")
	}
	return &r, nil
}
