package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

// CreateEvaluator inserts an evaluator definition.
func (s *Store) CreateEvaluator(ctx context.Context, e *eval.Evaluator) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	config, err := marshalJSON(e.Config)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode evaluator config")
	}
	if config == "" {
		config = "{}"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluators (id, name, description, kind, config, is_system, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, nullIfEmpty(e.Description), string(e.Kind), config,
		boolToInt(e.IsSystem), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create evaluator")
	}
	return nil
}

// GetEvaluator fetches an evaluator by ID.
func (s *Store) GetEvaluator(ctx context.Context, id string) (*eval.Evaluator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, kind, config, is_system, created_at, updated_at
		FROM evaluators WHERE id = ?`, id)
	return scanEvaluator(row)
}

// GetEvaluatorByName fetches an evaluator by its unique name.
func (s *Store) GetEvaluatorByName(ctx context.Context, name string) (*eval.Evaluator, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, kind, config, is_system, created_at, updated_at
		FROM evaluators WHERE name = ?`, name)
	return scanEvaluator(row)
}

// ListEvaluators returns all evaluators, system ones first.
func (s *Store) ListEvaluators(ctx context.Context) ([]*eval.Evaluator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, kind, config, is_system, created_at, updated_at
		FROM evaluators ORDER BY is_system DESC, created_at`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list evaluators")
	}
	defer rows.Close()

	var evaluators []*eval.Evaluator
	for rows.Next() {
		e, err := scanEvaluator(rows)
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, e)
	}
	return evaluators, rows.Err()
}

// UpdateEvaluator updates a non-system evaluator's definition.
func (s *Store) UpdateEvaluator(ctx context.Context, e *eval.Evaluator) error {
	config, err := marshalJSON(e.Config)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode evaluator config")
	}
	if config == "" {
		config = "{}"
	}
	e.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluators SET name = ?, description = ?, kind = ?, config = ?, updated_at = ?
		WHERE id = ? AND is_system = 0`,
		e.Name, nullIfEmpty(e.Description), string(e.Kind), config, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update evaluator")
	}
	return requireRow(res, "evaluator", e.ID)
}

// DeleteEvaluator removes a non-system evaluator.
func (s *Store) DeleteEvaluator(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM evaluators WHERE id = ? AND is_system = 0`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete evaluator")
	}
	return requireRow(res, "evaluator", id)
}

// SeedSystemEvaluators inserts the built-in evaluators if they are missing.
// Safe to call on every startup.
func (s *Store) SeedSystemEvaluators(ctx context.Context) error {
	seeds := []*eval.Evaluator{
		{Name: "exact_match", Description: "Whitespace-normalized string equality", Kind: eval.KindExactMatch},
		{Name: "json_compare", Description: "Deep JSON comparison with repair of near-JSON output", Kind: eval.KindJSONCompare},
	}
	for _, seed := range seeds {
		seed.IsSystem = true
		if _, err := s.GetEvaluatorByName(ctx, seed.Name); err == nil {
			continue
		} else if !errors.IsCode(err, errors.ErrCodeNotFound) {
			return err
		}
		if err := s.CreateEvaluator(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}

func scanEvaluator(row rowScanner) (*eval.Evaluator, error) {
	var e eval.Evaluator
	var desc sql.NullString
	var kind, config string
	var isSystem int
	err := row.Scan(&e.ID, &e.Name, &desc, &kind, &config, &isSystem, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "evaluator not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan evaluator")
	}
	e.Description = desc.String
	e.Kind = eval.EvaluatorKind(kind)
	e.IsSystem = isSystem != 0
	e.Config = make(map[string]any)
	if err := unmarshalJSON(config, &e.Config); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to decode evaluator config")
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
