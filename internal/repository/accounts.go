package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skyledger/internal/account"
	"skyledger/internal/model"
)

const accountColumns = `id, display_name, address, balance, version, created_at`

// AccountRepo is the Postgres backend of the account store.
type AccountRepo struct {
	db *pgxpool.Pool
}

func NewAccountRepo(db *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{db: db}
}

var _ account.Backend = (*AccountRepo)(nil)

func (r *AccountRepo) Load(ctx context.Context, id string) (model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	acc, err := scanAccount(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, account.ErrNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}
	return acc, nil
}

// CompareAndSwap writes newBalance only if the row is still at expectedVersion.
// Once sent, the statement is not tied to the caller's cancellation. A
// transport error after that point is returned unmapped; the store reports
// it as unconfirmed.
func (r *AccountRepo) CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) (model.Account, error) {
	if newBalance < 0 {
		return model.Account{}, account.ErrNegativeBalance
	}
	if err := ctx.Err(); err != nil {
		return model.Account{}, err
	}
	ctx = context.WithoutCancel(ctx)

	query := `
		UPDATE accounts
		SET balance = $3, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRow(ctx, query, id, expectedVersion, newBalance))
	switch {
	case err == nil:
		return acc, nil
	case errors.Is(err, pgx.ErrNoRows):
		return model.Account{}, r.missOrConflict(ctx, id)
	case pgCode(err) == codeCheckViolation:
		return model.Account{}, account.ErrNegativeBalance
	default:
		return model.Account{}, fmt.Errorf("swap account %s: %w", id, err)
	}
}

// missOrConflict tells a missing row apart from a lost race.
func (r *AccountRepo) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check account %s: %w", id, err)
	}
	if !exists {
		return account.ErrNotFound
	}
	return account.ErrVersionConflict
}

func (r *AccountRepo) Insert(ctx context.Context, acc model.Account) error {
	query := `
		INSERT INTO accounts (id, display_name, address, balance, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query, acc.ID, acc.DisplayName, acc.Address, acc.Balance, acc.Version, acc.CreatedAt)
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return account.ErrAccountExists
	case codeCheckViolation:
		return account.ErrNegativeBalance
	}
	if err != nil {
		return fmt.Errorf("insert account %s: %w", acc.ID, err)
	}
	return nil
}

func (r *AccountRepo) List(ctx context.Context) ([]model.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (model.Account, error) {
	var acc model.Account
	err := row.Scan(&acc.ID, &acc.DisplayName, &acc.Address, &acc.Balance, &acc.Version, &acc.CreatedAt)
	return acc, err
}
