package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skyledger/internal/address"
	"skyledger/internal/model"
)

// DirectoryRepo keeps address bindings keyed by their escaped canonical form.
type DirectoryRepo struct {
	db *pgxpool.Pool
}

func NewDirectoryRepo(db *pgxpool.Pool) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

var _ address.Directory = (*DirectoryRepo)(nil)

func (r *DirectoryRepo) Resolve(ctx context.Context, addr string) (model.AccountRef, error) {
	key, err := address.Key(addr)
	if err != nil {
		return model.AccountRef{}, err
	}

	var ref model.AccountRef
	query := `SELECT account_id, display_name, address FROM addresses WHERE address_key = $1`
	err = r.db.QueryRow(ctx, query, key).Scan(&ref.AccountID, &ref.DisplayName, &ref.Address)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AccountRef{}, address.ErrNotFound
	}
	if err != nil {
		return model.AccountRef{}, fmt.Errorf("resolve %s: %w", key, err)
	}
	return ref, nil
}

// Bind never overwrites: the first binding of a key wins.
func (r *DirectoryRepo) Bind(ctx context.Context, accountID, addr, displayName string) error {
	canonical, err := address.Canonical(addr)
	if err != nil {
		return err
	}
	key, _ := address.Key(canonical)

	query := `
		INSERT INTO addresses (address_key, address, account_id, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address_key) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, key, canonical, accountID, displayName)
	if err != nil {
		return fmt.Errorf("bind %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return address.ErrAlreadyBound
	}
	return nil
}
