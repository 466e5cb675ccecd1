package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

// CreateProvider inserts a new model provider.
func (s *Store) CreateProvider(ctx context.Context, p *eval.Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_providers (id, name, base_url, api_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create provider")
	}
	return nil
}

// GetProvider fetches a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*eval.Provider, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, api_key, created_at, updated_at
		FROM model_providers WHERE id = ?`, id)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by creation time.
func (s *Store) ListProviders(ctx context.Context) ([]*eval.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, api_key, created_at, updated_at
		FROM model_providers ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list providers")
	}
	defer rows.Close()

	var providers []*eval.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider's mutable fields.
func (s *Store) UpdateProvider(ctx context.Context, p *eval.Provider) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_providers SET name = ?, base_url = ?, api_key = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.BaseURL, p.APIKey, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update provider")
	}
	return requireRow(res, "provider", p.ID)
}

// DeleteProvider removes a provider and, via cascade, its models.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_providers WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete provider")
	}
	return requireRow(res, "provider", id)
}

// CreateModel inserts a new model under a provider.
func (s *Store) CreateModel(ctx context.Context, m *eval.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, provider_id, model_code, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProviderID, m.ModelCode, m.DisplayName, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create model")
	}
	return nil
}

// GetModel fetches a model by ID.
func (s *Store) GetModel(ctx context.Context, id string) (*eval.Model, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, model_code, display_name, created_at, updated_at
		FROM models WHERE id = ?`, id)
	return scanModel(row)
}

// ListModels returns all models, optionally filtered by provider.
func (s *Store) ListModels(ctx context.Context, providerID string) ([]*eval.Model, error) {
	query := `
		SELECT id, provider_id, model_code, display_name, created_at, updated_at
		FROM models`
	var args []any
	if providerID != "" {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list models")
	}
	defer rows.Close()

	var models []*eval.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpdateModel updates a model's mutable fields.
func (s *Store) UpdateModel(ctx context.Context, m *eval.Model) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET model_code = ?, display_name = ?, updated_at = ?
		WHERE id = ?`,
		m.ModelCode, m.DisplayName, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update model")
	}
	return requireRow(res, "model", m.ID)
}

// DeleteModel removes a model.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete model")
	}
	return requireRow(res, "model", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*eval.Provider, error) {
	var p eval.Provider
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "provider not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan provider")
	}
	return &p, nil
}

func scanModel(row rowScanner) (*eval.Model, error) {
	var m eval.Model
	err := row.Scan(&m.ID, &m.ProviderID, &m.ModelCode, &m.DisplayName, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "model not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan model")
	}
	return &m, nil
}

// requireRow converts a zero-row update/delete into a NOT_FOUND error.
func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to check affected rows")
	}
	if n == 0 {
		return errors.Newf(errors.ErrCodeNotFound, "%s not found", entity).WithContext("id", id)
	}
	return nil
}
