package service

import (
	"context"

	"skyledger/internal/feed"
	"skyledger/internal/model"
	"skyledger/internal/reconcile"
)

// LedgerService defines the business operations for the ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete stores.
type LedgerService interface {
	Transfer(ctx context.Context, req model.TransferRequest) (*model.TransferResult, error)
	Resolve(ctx context.Context, address string) (model.AccountRef, error)
	GetAccount(ctx context.Context, accountID string) (model.Account, error)
	History(ctx context.Context, accountID string) ([]model.Record, error)
	Provision(ctx context.Context, id model.Identity) (model.Account, bool, error)
	WatchAccount(ctx context.Context, accountID string) (*feed.AccountSubscription, error)
	WatchHistory(ctx context.Context, accountID string) (*feed.HistorySubscription, error)
	PendingReconciliations(ctx context.Context) ([]reconcile.Case, error)
	ResolveReconciliation(ctx context.Context, caseID string, action reconcile.Action) (reconcile.Case, error)
}
