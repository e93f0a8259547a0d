package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"skyledger/internal/ledger"
	"skyledger/internal/model"
)

// LedgerRepo stores ledger records, one partition per account.
type LedgerRepo struct {
	db *pgxpool.Pool
}

func NewLedgerRepo(db *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{db: db}
}

var _ ledger.Log = (*LedgerRepo)(nil)

// Append is idempotent per (account, record id): replaying a record that
// already landed is a no-op.
func (r *LedgerRepo) Append(ctx context.Context, accountID string, rec model.Record) error {
	if err := ledger.Validate(rec); err != nil {
		return err
	}

	query := `
		INSERT INTO ledger_records (
			id, account_id, counterparty_account_id, counterparty_display_name,
			amount, kind, ts, memo, status, sequence, balance_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id, id) DO NOTHING`

	_, err := r.db.Exec(ctx, query,
		rec.ID, accountID, rec.CounterpartyAccountID, rec.CounterpartyDisplayName,
		rec.Amount, rec.Kind, rec.Timestamp, rec.Memo, rec.Status, rec.Sequence, rec.BalanceAfter,
	)
	if err != nil {
		return fmt.Errorf("append record %s to %s: %w", rec.ID, accountID, err)
	}
	return nil
}

func (r *LedgerRepo) Stream(ctx context.Context, accountID string) ([]model.Record, error) {
	query := `
		SELECT id, account_id, counterparty_account_id, counterparty_display_name,
		       amount, kind, ts, memo, status, sequence, balance_after
		FROM ledger_records
		WHERE account_id = $1
		ORDER BY sequence DESC, ts DESC`

	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", accountID, err)
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		var rec model.Record
		err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.CounterpartyAccountID, &rec.CounterpartyDisplayName,
			&rec.Amount, &rec.Kind, &rec.Timestamp, &rec.Memo, &rec.Status, &rec.Sequence, &rec.BalanceAfter,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
