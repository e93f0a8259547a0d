// Package account owns account balances. Every balance change goes through
// Store.ConditionalAdjust, an optimistic read-predicate-swap loop.
package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"skyledger/internal/metrics"
	"skyledger/internal/model"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrPredicateFailed = errors.New("balance predicate not satisfied")
	ErrAborted         = errors.New("account update aborted: retry budget exhausted")
	ErrVersionConflict = errors.New("account version changed concurrently")
	ErrNegativeBalance = errors.New("balance must not be negative")
	ErrOverflow        = errors.New("balance overflow")
)

// Backend is the compare-and-swap primitive a Store is built on.
// CompareAndSwap must return ErrVersionConflict when the stored version
// differs from expectedVersion, and otherwise write newBalance and bump the version.
// A context error from CompareAndSwap means the write was never sent.
type Backend interface {
	Load(ctx context.Context, id string) (model.Account, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion, newBalance int64) (model.Account, error)
	Insert(ctx context.Context, acc model.Account) error
	List(ctx context.Context) ([]model.Account, error)
}

// UnconfirmedError reports a swap that failed in a way that does not say
// whether it committed, such as a connection lost after the UPDATE was sent.
// Callers must not retry it blindly: the account may already be at
// ExpectedVersion+1 with the new balance.
type UnconfirmedError struct {
	AccountID       string
	ExpectedVersion int64
	Err             error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("swap on account %s at version %d unconfirmed: %v", e.AccountID, e.ExpectedVersion, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// Observer is told about every committed account state.
type Observer interface {
	AccountChanged(ctx context.Context, acc model.Account)
}

// Predicate decides whether delta may be applied to the observed balance.
type Predicate func(balance, delta int64) bool

// SufficientFunds refuses any adjustment that would take the balance below zero.
func SufficientFunds(balance, delta int64) bool {
	return balance+delta >= 0
}

// Always accepts every adjustment. An account can always receive funds.
func Always(int64, int64) bool {
	return true
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 8, BaseDelay: 2 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
}

type Store struct {
	backend  Backend
	retry    RetryConfig
	observer Observer
}

func NewStore(backend Backend, cfg RetryConfig, observer Observer) *Store {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Store{backend: backend, retry: cfg, observer: observer}
}

func (s *Store) Get(ctx context.Context, id string) (model.Account, error) {
	return s.backend.Load(ctx, id)
}

func (s *Store) List(ctx context.Context) ([]model.Account, error) {
	return s.backend.List(ctx)
}

// Create inserts a new account. Version starts at zero.
func (s *Store) Create(ctx context.Context, acc model.Account) (model.Account, error) {
	if acc.Balance < 0 {
		return model.Account{}, ErrNegativeBalance
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	acc.Version = 0
	if err := s.backend.Insert(ctx, acc); err != nil {
		return model.Account{}, err
	}
	s.notify(ctx, acc)
	return acc, nil
}

// ConditionalAdjust applies delta to the account balance if pred holds for the
// balance it observed and nobody committed in between. Lost races are retried
// with jittered exponential backoff up to MaxAttempts; after that ErrAborted.
// A predicate failure returns ErrPredicateFailed without retrying.
func (s *Store) ConditionalAdjust(ctx context.Context, id string, delta int64, pred Predicate) (model.Account, error) {
	if pred == nil {
		pred = Always
	}

	backoff := retry.NewExponential(s.retry.BaseDelay)
	backoff = retry.WithCappedDuration(s.retry.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(25, backoff)
	backoff = retry.WithMaxRetries(uint64(s.retry.MaxAttempts-1), backoff)

	var (
		committed model.Account
		attempts  int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		cur, err := s.backend.Load(ctx, id)
		if err != nil {
			return err
		}
		if delta > 0 && cur.Balance > math.MaxInt64-delta {
			return ErrOverflow
		}
		next := cur.Balance + delta
		if next < 0 || !pred(cur.Balance, delta) {
			return ErrPredicateFailed
		}

		acc, err := s.swap(ctx, id, cur.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			metrics.CASConflicts.Inc()
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		committed = acc
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			metrics.CASAborts.Inc()
			return model.Account{}, fmt.Errorf("%w (account %s, %d attempts)", ErrAborted, id, attempts)
		}
		return model.Account{}, err
	}

	s.notify(ctx, committed)
	return committed, nil
}

// AdjustAt applies delta only if the account is still at expectedVersion. It
// makes one attempt: ErrVersionConflict means nothing was written.
func (s *Store) AdjustAt(ctx context.Context, id string, expectedVersion, delta int64) (model.Account, error) {
	cur, err := s.backend.Load(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	if cur.Version != expectedVersion {
		return model.Account{}, ErrVersionConflict
	}
	if delta > 0 && cur.Balance > math.MaxInt64-delta {
		return model.Account{}, ErrOverflow
	}
	if cur.Balance+delta < 0 {
		return model.Account{}, ErrNegativeBalance
	}

	acc, err := s.swap(ctx, id, expectedVersion, cur.Balance+delta)
	if err != nil {
		return model.Account{}, err
	}
	s.notify(ctx, acc)
	return acc, nil
}

// swap classifies backend errors: anything but the known refusals leaves the
// write's outcome unknown and comes back as an *UnconfirmedError.
func (s *Store) swap(ctx context.Context, id string, expectedVersion, newBalance int64) (model.Account, error) {
	acc, err := s.backend.CompareAndSwap(ctx, id, expectedVersion, newBalance)
	switch {
	case err == nil:
		return acc, nil
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNegativeBalance),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return model.Account{}, err
	default:
		return model.Account{}, &UnconfirmedError{AccountID: id, ExpectedVersion: expectedVersion, Err: err}
	}
}

func (s *Store) notify(ctx context.Context, acc model.Account) {
	if s.observer != nil {
		s.observer.AccountChanged(ctx, acc)
	}
}
