package service

import (
	"context"
	"log/slog"
	"time"

	"skyledger/internal/account"
	"skyledger/internal/address"
	"skyledger/internal/feed"
	"skyledger/internal/ledger"
	"skyledger/internal/model"
	"skyledger/internal/provision"
	"skyledger/internal/reconcile"
	"skyledger/internal/transfer"
)

// Ledger implements LedgerService on top of the core components.
type Ledger struct {
	Directory   address.Directory
	Accounts    *account.Store
	Log         ledger.Log
	Engine      *transfer.Engine
	Provisioner *provision.Provisioner
	Reconciler  *reconcile.Service
	Feed        *feed.Hub

	async []*feed.Async
}

var _ LedgerService = (*Ledger)(nil)

// Backends are the storage implementations behind a Ledger.
type Backends struct {
	Directory address.Directory
	Accounts  account.Backend
	Log       ledger.Log
	Journal   reconcile.Journal
}

// MemoryBackends returns process-local storage.
func MemoryBackends() Backends {
	return Backends{
		Directory: address.NewMemoryDirectory(),
		Accounts:  account.NewMemoryBackend(),
		Log:       ledger.NewMemoryLog(),
		Journal:   reconcile.NewMemoryJournal(),
	}
}

type Options struct {
	Retry           account.RetryConfig
	TransferTimeout time.Duration
	CreditRounds    int
	Provision       provision.Config
	// Notifiers receive every committed change in addition to the local feed.
	// Each is fed from its own queue so a slow one never delays a commit.
	Notifiers []feed.Notifier
}

// New wires the components over b. Every account commit and ledger append is
// reported to the feed hub and to opts.Notifiers. Close stops the notifier
// queues.
func New(b Backends, opts Options, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}

	hub := feed.NewHub(logger)
	notifier := feed.Multi{hub}
	var async []*feed.Async
	for _, n := range opts.Notifiers {
		a := feed.NewAsync(n, 0, logger)
		async = append(async, a)
		notifier = append(notifier, a)
	}

	store := account.NewStore(b.Accounts, opts.Retry, notifier)
	log := ledger.WithObserver(b.Log, notifier)
	hub.SetSources(store, b.Log)

	return &Ledger{
		Directory:   b.Directory,
		Accounts:    store,
		Log:         log,
		Engine: transfer.NewEngine(b.Directory, store, log, b.Journal, transfer.Config{
			Timeout:      opts.TransferTimeout,
			CreditRounds: opts.CreditRounds,
		}, logger),
		Provisioner: provision.New(b.Directory, store, log, b.Journal, opts.Provision, logger),
		Reconciler:  reconcile.NewService(b.Journal, store, log, reconcile.Config{MaxAttempts: opts.Retry.MaxAttempts}, logger),
		Feed:        hub,
		async:       async,
	}
}

// Close delivers the events already queued for opts.Notifiers and stops their queues.
func (l *Ledger) Close() {
	for _, a := range l.async {
		a.Close()
	}
}

func (l *Ledger) Transfer(ctx context.Context, req model.TransferRequest) (*model.TransferResult, error) {
	return l.Engine.Transfer(ctx, req)
}

func (l *Ledger) Resolve(ctx context.Context, addr string) (model.AccountRef, error) {
	return l.Directory.Resolve(ctx, addr)
}

func (l *Ledger) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	return l.Accounts.Get(ctx, accountID)
}

func (l *Ledger) History(ctx context.Context, accountID string) ([]model.Record, error) {
	if _, err := l.Accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return l.Log.Stream(ctx, accountID)
}

func (l *Ledger) Provision(ctx context.Context, id model.Identity) (model.Account, bool, error) {
	return l.Provisioner.Provision(ctx, id)
}

func (l *Ledger) WatchAccount(ctx context.Context, accountID string) (*feed.AccountSubscription, error) {
	return l.Feed.Watch(ctx, accountID)
}

func (l *Ledger) WatchHistory(ctx context.Context, accountID string) (*feed.HistorySubscription, error) {
	if _, err := l.Accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return l.Feed.WatchHistory(ctx, accountID)
}

func (l *Ledger) PendingReconciliations(ctx context.Context) ([]reconcile.Case, error) {
	return l.Reconciler.Pending(ctx)
}

func (l *Ledger) ResolveReconciliation(ctx context.Context, caseID string, action reconcile.Action) (reconcile.Case, error) {
	return l.Reconciler.Resolve(ctx, caseID, action)
}
