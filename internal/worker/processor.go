package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skyledger/internal/ledger"
	"skyledger/internal/metrics"
	"skyledger/internal/model"
)

type Accounts interface {
	List(ctx context.Context) ([]model.Account, error)
}

type History interface {
	Stream(ctx context.Context, accountID string) ([]model.Record, error)
}

// Mismatch is an account whose replayed log disagrees with its balance at
// the same version on two consecutive passes.
type Mismatch struct {
	AccountID string
	Version   int64
	Balance   int64
	Replayed  int64
}

type Report struct {
	Checked    int
	Mismatches []Mismatch
}

// AuditWorker periodically replays every account's ledger and compares the
// result with the stored balance. A transfer between its balance commit and
// its record append looks like a mismatch, so an account is only reported
// when the same version disagrees twice in a row.
type AuditWorker struct {
	accounts Accounts
	history  History
	interval time.Duration
	logger   *slog.Logger

	suspects map[string]int64
}

func NewAuditWorker(accounts Accounts, history History, interval time.Duration, logger *slog.Logger) *AuditWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditWorker{
		accounts: accounts,
		history:  history,
		interval: interval,
		logger:   logger.With("component", "audit_worker"),
		suspects: make(map[string]int64),
	}
}

// Run audits on every tick and blocks until ctx is cancelled.
func (w *AuditWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Audit worker is running", "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Audit worker received shutdown signal")
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("audit pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single audit pass. It is not safe for concurrent use.
func (w *AuditWorker) RunOnce(ctx context.Context) (Report, error) {
	accounts, err := w.accounts.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list accounts: %w", err)
	}

	var report Report
	next := make(map[string]int64)
	for _, acc := range accounts {
		records, err := w.history.Stream(ctx, acc.ID)
		if err != nil {
			return report, fmt.Errorf("stream %s: %w", acc.ID, err)
		}
		report.Checked++

		replayed := ledger.Replay(records)
		if replayed == acc.Balance {
			continue
		}

		if version, seen := w.suspects[acc.ID]; !seen || version != acc.Version {
			next[acc.ID] = acc.Version
			continue
		}

		m := Mismatch{AccountID: acc.ID, Version: acc.Version, Balance: acc.Balance, Replayed: replayed}
		report.Mismatches = append(report.Mismatches, m)
		metrics.AuditMismatches.Inc()
		w.logger.Warn("ledger does not match balance",
			"account_id", m.AccountID,
			"version", m.Version,
			"balance", m.Balance,
			"replayed", m.Replayed,
		)
		next[acc.ID] = acc.Version
	}
	w.suspects = next

	metrics.AuditRuns.Inc()
	w.logger.Debug("audit pass finished", "checked", report.Checked, "mismatches", len(report.Mismatches))
	return report, nil
}

// Start implements the infrastructure.Server interface.
func (w *AuditWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *AuditWorker) Stop(ctx context.Context) error {
	return nil
}
