package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

// CreateCaseSet inserts a case set and, in the same transaction, any cases
// attached to it.
func (s *Store) CreateCaseSet(ctx context.Context, set *eval.CaseSet, cases []*eval.Case) error {
	if set.ID == "" {
		set.ID = uuid.NewString()
	}
	set.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO case_sets (id, name, system_prompt, created_at)
		VALUES (?, ?, ?, ?)`,
		set.ID, set.Name, nullStringPtr(set.SystemPrompt), set.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create case set")
	}

	for _, c := range cases {
		if err := insertCaseTx(ctx, tx, set.ID, c); err != nil {
			return err
		}
	}
	set.CaseCount = len(cases)

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to commit case set")
	}
	return nil
}

func insertCaseTx(ctx context.Context, tx *sql.Tx, setID string, c *eval.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.SetID = setID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO test_cases (id, set_id, case_uid, description, user_input, expected_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SetID, nullIfEmpty(c.CaseUID), nullIfEmpty(c.Description),
		c.UserInput, nullIfEmpty(c.ExpectedOutput), c.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to insert case")
	}
	return nil
}

// GetCaseSet fetches a case set with its case count.
func (s *Store) GetCaseSet(ctx context.Context, id string) (*eval.CaseSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cs.id, cs.name, cs.system_prompt, cs.created_at,
		       (SELECT COUNT(*) FROM test_cases tc WHERE tc.set_id = cs.id)
		FROM case_sets cs WHERE cs.id = ?`, id)

	var set eval.CaseSet
	var prompt sql.NullString
	err := row.Scan(&set.ID, &set.Name, &prompt, &set.CreatedAt, &set.CaseCount)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "case set not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan case set")
	}
	set.SystemPrompt = strPtr(prompt)
	return &set, nil
}

// ListCaseSets returns all case sets with case counts, newest first.
func (s *Store) ListCaseSets(ctx context.Context) ([]*eval.CaseSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.id, cs.name, cs.system_prompt, cs.created_at,
		       (SELECT COUNT(*) FROM test_cases tc WHERE tc.set_id = cs.id)
		FROM case_sets cs ORDER BY cs.created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list case sets")
	}
	defer rows.Close()

	var sets []*eval.CaseSet
	for rows.Next() {
		var set eval.CaseSet
		var prompt sql.NullString
		if err := rows.Scan(&set.ID, &set.Name, &prompt, &set.CreatedAt, &set.CaseCount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan case set")
		}
		set.SystemPrompt = strPtr(prompt)
		sets = append(sets, &set)
	}
	return sets, rows.Err()
}

// UpdateCaseSet updates a case set's name and default system prompt.
func (s *Store) UpdateCaseSet(ctx context.Context, set *eval.CaseSet) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE case_sets SET name = ?, system_prompt = ? WHERE id = ?`,
		set.Name, nullStringPtr(set.SystemPrompt), set.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update case set")
	}
	return requireRow(res, "case set", set.ID)
}

// DeleteCaseSet removes a case set and cascades to its cases, tasks, runs,
// and results.
func (s *Store) DeleteCaseSet(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM case_sets WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete case set")
	}
	return requireRow(res, "case set", id)
}

// AddCase appends a single case to an existing set.
func (s *Store) AddCase(ctx context.Context, c *eval.Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertCaseTx(ctx, tx, c.SetID, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to commit case")
	}
	return nil
}

// GetCase fetches a single case by ID.
func (s *Store) GetCase(ctx context.Context, id string) (*eval.Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, set_id, case_uid, description, user_input, expected_output, created_at
		FROM test_cases WHERE id = ?`, id)
	return scanCase(row)
}

// ListCases returns a set's cases in stored (creation) order. This order is
// the dispatch order for runs.
func (s *Store) ListCases(ctx context.Context, setID string) ([]*eval.Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, set_id, case_uid, description, user_input, expected_output, created_at
		FROM test_cases WHERE set_id = ? ORDER BY rowid`, setID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to list cases")
	}
	defer rows.Close()

	var cases []*eval.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// UpdateCase updates a case's content fields.
func (s *Store) UpdateCase(ctx context.Context, c *eval.Case) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_cases SET case_uid = ?, description = ?, user_input = ?, expected_output = ?
		WHERE id = ?`,
		nullIfEmpty(c.CaseUID), nullIfEmpty(c.Description), c.UserInput,
		nullIfEmpty(c.ExpectedOutput), c.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to update case")
	}
	return requireRow(res, "case", c.ID)
}

// DeleteCase removes a single case.
func (s *Store) DeleteCase(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM test_cases WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to delete case")
	}
	return requireRow(res, "case", id)
}

func scanCase(row rowScanner) (*eval.Case, error) {
	var c eval.Case
	var uid, desc, expected sql.NullString
	err := row.Scan(&c.ID, &c.SetID, &uid, &desc, &c.UserInput, &expected, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeNotFound, "case not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to scan case")
	}
	c.CaseUID = uid.String
	c.Description = desc.String
	c.ExpectedOutput = expected.String
	return &c, nil
}
