// Package feed notifies subscribers of account and ledger changes. Every
// notification is a full current snapshot, so a subscriber that reconnects
// never depends on a delta it might have missed.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"skyledger/internal/metrics"
	"skyledger/internal/model"
)

var ErrNoSource = errors.New("feed: snapshot source not configured")

type AccountSource interface {
	Get(ctx context.Context, id string) (model.Account, error)
}

type HistorySource interface {
	Stream(ctx context.Context, accountID string) ([]model.Record, error)
}

// Notifier receives committed account states and appended records.
type Notifier interface {
	AccountChanged(ctx context.Context, acc model.Account)
	RecordAppended(ctx context.Context, rec model.Record)
}

type (
	AccountSubscription = Subscription[model.Account]
	HistorySubscription = Subscription[[]model.Record]
)

// Hub is the in-process change feed.
type Hub struct {
	mu        sync.Mutex
	accounts  map[string]map[*AccountSubscription]struct{}
	histories map[string]map[*HistorySubscription]struct{}

	accountSrc AccountSource
	historySrc HistorySource
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		accounts:  make(map[string]map[*AccountSubscription]struct{}),
		histories: make(map[string]map[*HistorySubscription]struct{}),
		logger:    logger.With("component", "feed"),
	}
}

// SetSources wires the stores snapshots are read from. The stores usually
// report back to the hub, so they are attached after construction.
func (h *Hub) SetSources(accounts AccountSource, history HistorySource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accountSrc = accounts
	h.historySrc = history
}

// Watch subscribes to an account. The first value is the current snapshot.
func (h *Hub) Watch(ctx context.Context, accountID string) (*AccountSubscription, error) {
	h.mu.Lock()
	src := h.accountSrc
	h.mu.Unlock()
	if src == nil {
		return nil, ErrNoSource
	}

	sub := newSubscription(func(prev, next model.Account) bool { return next.Version < prev.Version })
	register(h, h.accounts, accountID, sub)

	// Registered before loading, so no commit between the two is lost.
	acc, err := src.Get(ctx, accountID)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.offer(acc)
	return sub, nil
}

// WatchHistory subscribes to an account's full record list, newest first.
func (h *Hub) WatchHistory(ctx context.Context, accountID string) (*HistorySubscription, error) {
	h.mu.Lock()
	src := h.historySrc
	h.mu.Unlock()
	if src == nil {
		return nil, ErrNoSource
	}

	sub := newSubscription(func(prev, next []model.Record) bool { return len(next) < len(prev) })
	register(h, h.histories, accountID, sub)

	records, err := src.Stream(ctx, accountID)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.offer(records)
	return sub, nil
}

func register[T any](h *Hub, subs map[string]map[*Subscription[T]]struct{}, id string, sub *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs[id] == nil {
		subs[id] = make(map[*Subscription[T]]struct{})
	}
	subs[id][sub] = struct{}{}
	metrics.FeedSubscribers.Inc()

	sub.detach = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(subs[id], sub)
		if len(subs[id]) == 0 {
			delete(subs, id)
		}
		metrics.FeedSubscribers.Dec()
	}
}

func (h *Hub) AccountChanged(_ context.Context, acc model.Account) {
	h.mu.Lock()
	targets := make([]*AccountSubscription, 0, len(h.accounts[acc.ID]))
	for sub := range h.accounts[acc.ID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.offer(acc)
	}
}

func (h *Hub) RecordAppended(ctx context.Context, rec model.Record) {
	h.mu.Lock()
	targets := make([]*HistorySubscription, 0, len(h.histories[rec.AccountID]))
	for sub := range h.histories[rec.AccountID] {
		targets = append(targets, sub)
	}
	src := h.historySrc
	h.mu.Unlock()

	if len(targets) == 0 || src == nil {
		return
	}
	records, err := src.Stream(ctx, rec.AccountID)
	if err != nil {
		h.logger.Warn("history snapshot failed", "account_id", rec.AccountID, "error", err)
		return
	}
	for _, sub := range targets {
		sub.offer(records)
	}
}

// Ingest applies an event received from another process.
func (h *Hub) Ingest(ctx context.Context, ev model.AccountEvent) {
	if ev.Account != nil {
		h.AccountChanged(ctx, *ev.Account)
	}
	if ev.Record != nil {
		h.RecordAppended(ctx, *ev.Record)
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) AccountChanged(ctx context.Context, acc model.Account) {
	for _, n := range m {
		n.AccountChanged(ctx, acc)
	}
}

func (m Multi) RecordAppended(ctx context.Context, rec model.Record) {
	for _, n := range m {
		n.RecordAppended(ctx, rec)
	}
}
