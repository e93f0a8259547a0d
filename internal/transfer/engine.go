// Package transfer moves value between two accounts: validate, debit the
// source, credit the destination, then append the paired ledger records.
//
// The protocol is sequenced, not atomic across accounts. Funds are never
// fabricated or destroyed, and a committed debit always ends in either a
// matching credit or an IndeterminateError backed by a reconciliation case.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"skyledger/internal/account"
	"skyledger/internal/address"
	"skyledger/internal/ledger"
	"skyledger/internal/metrics"
	"skyledger/internal/model"
	"skyledger/internal/reconcile"
)

type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
	ConditionalAdjust(ctx context.Context, id string, delta int64, pred account.Predicate) (model.Account, error)
}

type Config struct {
	// Timeout bounds a whole transfer. Zero means the caller's context alone.
	Timeout time.Duration
	// CreditRounds bounds how many times an aborted credit is retried, each
	// round being one full store retry budget. Defaults to 8.
	CreditRounds int
}

type Engine struct {
	directory address.Directory
	accounts  Accounts
	log       ledger.Log
	journal   reconcile.Journal
	timeout   time.Duration
	rounds    int
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewEngine(directory address.Directory, accounts Accounts, log ledger.Log, journal reconcile.Journal, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CreditRounds <= 0 {
		cfg.CreditRounds = 8
	}
	return &Engine{
		directory: directory,
		accounts:  accounts,
		log:       log,
		journal:   journal,
		timeout:   cfg.Timeout,
		rounds:    cfg.CreditRounds,
		logger:    logger.With("component", "transfer_engine"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Transfer runs START → VALIDATING → DEBITING → CREDITING → RECORDING → SUCCESS.
// A debit whose write is unconfirmed is indeterminate at DEBITING.
func (e *Engine) Transfer(ctx context.Context, req model.TransferRequest) (*model.TransferResult, error) {
	started := time.Now()
	res, err := e.transfer(ctx, req)

	outcome := Outcome(err)
	metrics.TransfersTotal.WithLabelValues(outcome).Inc()
	metrics.TransferLatency.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	if err == nil {
		metrics.TransferVolume.Add(float64(req.Amount))
	}
	return res, err
}

func (e *Engine) transfer(ctx context.Context, req model.TransferRequest) (*model.TransferResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	// VALIDATING
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	dest, err := e.directory.Resolve(ctx, req.DestinationAddress)
	if err != nil {
		if errors.Is(err, address.ErrNotFound) || errors.Is(err, address.ErrInvalidAddress) {
			return nil, fmt.Errorf("%w: %v", ErrAddressNotFound, err)
		}
		return nil, fmt.Errorf("%w: resolve destination: %v", ErrUnavailable, err)
	}
	if dest.AccountID == req.SourceAccountID {
		return nil, ErrSelfTransfer
	}
	source, err := e.accounts.Get(ctx, req.SourceAccountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: load source: %v", ErrUnavailable, err)
	}

	plan := reconcile.Case{
		ID:                     e.newID(),
		State:                  reconcile.StateOpen,
		SourceAccountID:        source.ID,
		SourceDisplayName:      source.DisplayName,
		DestinationAccountID:   dest.AccountID,
		DestinationDisplayName: dest.DisplayName,
		DestinationAddress:     dest.Address,
		Amount:                 req.Amount,
		Memo:                   req.Memo,
		Timestamp:              e.now().UTC(),
		DebitRecordID:          e.newID(),
		CreditRecordID:         e.newID(),
	}

	// DEBITING
	debited, err := e.accounts.ConditionalAdjust(ctx, source.ID, -req.Amount, account.SufficientFunds)
	if err != nil {
		var unconfirmed *account.UnconfirmedError
		switch {
		case errors.As(err, &unconfirmed):
			plan.Stage = reconcile.StageDebiting
			plan.Intent = intentFor(unconfirmed, -req.Amount, plan.DebitRecordID)
			return nil, e.indeterminate(ctx, plan, err)
		case errors.Is(err, account.ErrPredicateFailed):
			return nil, ErrInsufficientBalance
		case errors.Is(err, account.ErrNotFound):
			return nil, ErrAccountNotFound
		default:
			return nil, fmt.Errorf("%w: debit: %v", ErrUnavailable, err)
		}
	}
	plan.SourceVersion = debited.Version
	plan.SourceBalanceAfter = debited.Balance

	// CREDITING: from here on every failure is indeterminate.
	credited, err := e.credit(ctx, dest.AccountID, req.Amount)
	if err != nil {
		plan.Stage = reconcile.StageCrediting
		var unconfirmed *account.UnconfirmedError
		if errors.As(err, &unconfirmed) {
			plan.Intent = intentFor(unconfirmed, req.Amount, plan.CreditRecordID)
		}
		return nil, e.indeterminate(ctx, plan, err)
	}
	plan.DestinationVersion = credited.Version
	plan.DestinationBalanceAfter = credited.Balance

	// RECORDING: both sides are attempted even if the first fails.
	var errs []error
	if err := e.append(ctx, source.ID, reconcile.DebitRecord(plan)); err != nil {
		errs = append(errs, fmt.Errorf("append debit: %w", err))
	} else {
		plan.DebitRecorded = true
	}
	if err := e.append(ctx, dest.AccountID, reconcile.CreditRecord(plan)); err != nil {
		errs = append(errs, fmt.Errorf("append credit: %w", err))
	} else {
		plan.CreditRecorded = true
	}
	if len(errs) > 0 {
		plan.Stage = reconcile.StageRecording
		return nil, e.indeterminate(ctx, plan, errors.Join(errs...))
	}

	return &model.TransferResult{
		SourceBalance:   debited.Balance,
		DebitRecordID:   plan.DebitRecordID,
		CreditRecordID:  plan.CreditRecordID,
		DestinationID:   dest.AccountID,
		DestinationName: dest.DisplayName,
		Timestamp:       plan.Timestamp,
		Status:          string(model.StatusSuccess),
	}, nil
}

// credit keeps retrying through contention, up to the configured rounds or the
// deadline: an account can always receive funds, and giving up here strands a
// committed debit in reconciliation.
func (e *Engine) credit(ctx context.Context, accountID string, amount int64) (model.Account, error) {
	for round := 1; ; round++ {
		acc, err := e.accounts.ConditionalAdjust(ctx, accountID, amount, account.Always)
		if errors.Is(err, account.ErrAborted) && round < e.rounds && ctx.Err() == nil {
			continue
		}
		return acc, err
	}
}

func intentFor(err *account.UnconfirmedError, delta int64, recordID string) *reconcile.Intent {
	return &reconcile.Intent{
		AccountID:   err.AccountID,
		BaseVersion: err.ExpectedVersion,
		Delta:       delta,
		RecordID:    recordID,
	}
}

func (e *Engine) append(ctx context.Context, accountID string, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.log.Append(ctx, accountID, rec)
}

// indeterminate opens a reconciliation case and builds the caller-facing error.
// The case is written with a context that outlives the caller's deadline.
func (e *Engine) indeterminate(ctx context.Context, plan reconcile.Case, cause error) error {
	plan.Cause = cause.Error()
	plan.CreatedAt = e.now().UTC()

	attrs := []any{
		"outcome", metrics.OutcomeIndeterminate,
		"case_id", plan.ID,
		"stage", plan.Stage,
		"source_account_id", plan.SourceAccountID,
		"destination_account_id", plan.DestinationAccountID,
		"destination_address", plan.DestinationAddress,
		"amount", plan.Amount,
		"debit_recorded", plan.DebitRecorded,
		"credit_recorded", plan.CreditRecorded,
		"error", cause,
	}

	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.journal.Open(journalCtx, plan); err != nil {
		e.logger.Error("RECONCILIATION REQUIRED: failed to journal indeterminate transfer",
			append(attrs, "journal_error", err)...)
	} else {
		metrics.OpenReconciliationCases.Inc()
		e.logger.Error("RECONCILIATION REQUIRED: transfer indeterminate", attrs...)
	}

	return &IndeterminateError{
		CaseID:               plan.ID,
		Stage:                plan.Stage,
		SourceAccountID:      plan.SourceAccountID,
		DestinationAccountID: plan.DestinationAccountID,
		DestinationAddress:   plan.DestinationAddress,
		Amount:               plan.Amount,
		Memo:                 plan.Memo,
		Cause:                cause,
	}
}
