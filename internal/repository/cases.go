package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skyledger/internal/reconcile"
)

// CaseRepo is the durable reconciliation journal. Cases are stored as JSONB
// with the state and revision pulled out, so updates can be conditional.
type CaseRepo struct {
	db *pgxpool.Pool
}

func NewCaseRepo(db *pgxpool.Pool) *CaseRepo {
	return &CaseRepo{db: db}
}

var _ reconcile.Journal = (*CaseRepo)(nil)

func (r *CaseRepo) Open(ctx context.Context, c reconcile.Case) error {
	if c.State == "" {
		c.State = reconcile.StateOpen
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}

	query := `
		INSERT INTO reconciliation_cases (id, state, revision, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = r.db.Exec(ctx, query, c.ID, c.State, c.Revision, payload, c.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return reconcile.ErrCaseExists
	}
	if err != nil {
		return fmt.Errorf("open case %s: %w", c.ID, err)
	}
	return nil
}

// Update writes c only if the stored row is still at c.Revision and not
// resolved. The stored copy carries the next revision.
func (r *CaseRepo) Update(ctx context.Context, c reconcile.Case) error {
	expected := c.Revision
	c.Revision++
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}

	query := `
		UPDATE reconciliation_cases
		SET state = $2, payload = $3, revision = revision + 1, updated_at = now()
		WHERE id = $1 AND revision = $4 AND state <> $5`
	tag, err := r.db.Exec(ctx, query, c.ID, c.State, payload, expected, reconcile.StateResolved)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state reconcile.State
	err = r.db.QueryRow(ctx, `SELECT state FROM reconciliation_cases WHERE id = $1`, c.ID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return reconcile.ErrCaseNotFound
	case err != nil:
		return fmt.Errorf("update case %s: %w", c.ID, err)
	case state == reconcile.StateResolved:
		return reconcile.ErrAlreadyResolved
	default:
		return reconcile.ErrCaseConflict
	}
}

func (r *CaseRepo) Get(ctx context.Context, id string) (reconcile.Case, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT payload FROM reconciliation_cases WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return reconcile.Case{}, reconcile.ErrCaseNotFound
	}
	if err != nil {
		return reconcile.Case{}, fmt.Errorf("get case %s: %w", id, err)
	}
	return decodeCase(payload)
}

func (r *CaseRepo) Pending(ctx context.Context) ([]reconcile.Case, error) {
	query := `
		SELECT payload FROM reconciliation_cases
		WHERE state <> $1
		ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, reconcile.StateResolved)
	if err != nil {
		return nil, fmt.Errorf("pending cases: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Case
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		c, err := decodeCase(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeCase(payload []byte) (reconcile.Case, error) {
	var c reconcile.Case
	if err := json.Unmarshal(payload, &c); err != nil {
		return reconcile.Case{}, fmt.Errorf("decode case: %w", err)
	}
	return c, nil
}
