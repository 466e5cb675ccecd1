package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

// CreateTask inserts a task and its ordered evaluator bindings in one
// transaction.
func (s *Store) CreateTask(ctx context.Context, t *eval.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	template, err := marshalJSON(t.RequestTemplate)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode request template")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO eval_tasks (id, name, set_id, model_id, concurrency, request_template, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullIfEmpty(t.Name), t.SetID, t.ModelID, t.Concurrency,
		template, nullStringPtr(t.SystemPrompt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create task")
	}

	if err := replaceTaskEvaluatorsTx(ctx, tx, t.ID, t.EvaluatorIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to commit task")
	}
	return nil
}

func replaceTaskEvaluatorsTx(ctx context.Context, tx *sql.Tx, taskID string, evaluatorIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_evaluators WHERE task_id = ?`, taskID); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to clear task evaluators")
	}
	for i, evalID := range evaluatorIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_evaluators (id, task_id, evaluator_id, order_index)
			VALUES (?, ?, ?, ?)`,
			uuid.NewString(), taskID, evalID, i,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to bind evaluator")
		}
	}
	return nil
}

// GetTask fetches a task with its ordered evaluator IDs.
func (s *Store) GetTask(ctx context.Context, id string) (*eval.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, set_id, model_id, concurrency, request_template, system_prompt, summary, created_at, updated_at
		FROM eval_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	t.EvaluatorIDs, err = s.taskEvaluatorIDs(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns all tasks, optionally filtered by case set, newest
// first, each with its ordered evaluator IDs.
func (s *Store) ListTasks(ctx context.Context, setID string) ([]*eval.Task, error) {
	query := `
		SELECT id, name, set_id, model_id, concurrency, request_template, system_prompt, summary, created_at, updated_at
		FROM eval_tasks`
	var args []any
	if setID != "" {
		query += ` WHERE set_id = ?`
		args = append(args, setID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list tasks")
	}
	defer rows.Close()

	var tasks []*eval.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.EvaluatorIDs, err = s.taskEvaluatorIDs(ctx, t.ID)
		if err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *Store) taskEvaluatorIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evaluator_id FROM task_evaluators WHERE task_id = ? ORDER BY order_index`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list task evaluators")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan evaluator id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTask updates a task's definition and replaces its evaluator chain.
func (s *Store) UpdateTask(ctx context.Context, t *eval.Task) error {
	template, err := marshalJSON(t.RequestTemplate)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode request template")
	}
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE eval_tasks SET name = ?, model_id = ?, concurrency = ?, request_template = ?, system_prompt = ?, updated_at = ?
		WHERE id = ?`,
		nullIfEmpty(t.Name), t.ModelID, t.Concurrency, template,
		nullStringPtr(t.SystemPrompt), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update task")
	}
	if err := requireRow(res, "task", t.ID); err != nil {
		return err
	}

	if err := replaceTaskEvaluatorsTx(ctx, tx, t.ID, t.EvaluatorIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to commit task update")
	}
	return nil
}

// UpdateTaskSummary stores the latest run's summary on the task record.
func (s *Store) UpdateTaskSummary(ctx context.Context, taskID string, summary *eval.Summary) error {
	encoded, err := marshalJSON(summary)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode summary")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE eval_tasks SET summary = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(encoded), time.Now().UTC(), taskID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update task summary")
	}
	return requireRow(res, "task", taskID)
}

// DeleteTask removes a task and cascades to its runs and results.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM eval_tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete task")
	}
	return requireRow(res, "task", id)
}

// LoadSnapshot resolves everything a run needs in one pass: the task, its
// case set and cases, the model and provider, and the ordered evaluator
// chain.
func (s *Store) LoadSnapshot(ctx context.Context, taskID string) (*eval.Snapshot, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	set, err := s.GetCaseSet(ctx, task.SetID)
	if err != nil {
		return nil, err
	}
	cases, err := s.ListCases(ctx, task.SetID)
	if err != nil {
		return nil, err
	}
	model, err := s.GetModel(ctx, task.ModelID)
	if err != nil {
		return nil, err
	}
	provider, err := s.GetProvider(ctx, model.ProviderID)
	if err != nil {
		return nil, err
	}

	var evaluators []*eval.Evaluator
	for _, id := range task.EvaluatorIDs {
		e, err := s.GetEvaluator(ctx, id)
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, e)
	}

	return &eval.Snapshot{
		Task:       task,
		CaseSet:    set,
		Cases:      cases,
		Model:      model,
		Provider:   provider,
		Evaluators: evaluators,
	}, nil
}

func scanTask(row rowScanner) (*eval.Task, error) {
	var t eval.Task
	var name, prompt, summary sql.NullString
	var template string
	err := row.Scan(&t.ID, &name, &t.SetID, &t.ModelID, &t.Concurrency,
		&template, &prompt, &summary, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "task not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan task")
	}
	t.Name = name.String
	t.SystemPrompt = strPtr(prompt)
	t.RequestTemplate = make(map[string]any)
	if err := unmarshalJSON(template, &t.RequestTemplate); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to decode request template")
	}
	if summary.Valid {
		var sum eval.Summary
		if err := unmarshalJSON(summary.String, &sum); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to decode task summary")
		}
		t.Summary = &sum
	}
	return &t, nil
}
