package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"skyledger/internal/account"
	"skyledger/internal/metrics"
	"skyledger/internal/model"
)

type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
	AdjustAt(ctx context.Context, id string, expectedVersion, delta int64) (model.Account, error)
}

type Log interface {
	Append(ctx context.Context, accountID string, rec model.Record) error
	Stream(ctx context.Context, accountID string) ([]model.Record, error)
}

// claimTTL is how long a resolution owns a case. A run is bounded to half of
// it, so an expired claim belongs to a run that has finished or died.
const claimTTL = time.Minute

type Config struct {
	// MaxAttempts bounds swaps lost to concurrent writers while applying one adjustment.
	MaxAttempts int
}

// Service resolves cases. It never guesses: the operator picks the action,
// and an adjustment whose outcome cannot be proven is reported, not repeated.
type Service struct {
	journal     Journal
	accounts    Accounts
	log         Log
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(journal Journal, accounts Accounts, log Log, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		journal:     journal,
		accounts:    accounts,
		log:         log,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.With("component", "reconciliation"),
		now:         time.Now,
	}
}

func (s *Service) Pending(ctx context.Context) ([]Case, error) {
	cases, err := s.journal.Pending(ctx)
	if err != nil {
		return nil, err
	}
	metrics.OpenReconciliationCases.Set(float64(len(cases)))
	return cases, nil
}

func (s *Service) Get(ctx context.Context, id string) (Case, error) {
	return s.journal.Get(ctx, id)
}

// Resolve applies action to an unresolved case.
//
// complete: a crediting-stage case credits the destination, then both stages
// write whichever ledger records are still missing.
// reverse: only before the destination is credited; the debit is returned to
// the source and no records are written.
//
// The case is claimed first, so concurrent resolutions on any node get
// ErrCaseBusy. A failed run hands the case back with the progress it made.
func (s *Service) Resolve(ctx context.Context, id string, action Action) (Case, error) {
	if action != ActionComplete && action != ActionReverse {
		return Case{}, fmt.Errorf("%w: unknown action %q", ErrActionNotAllowed, action)
	}
	ctx, cancel := context.WithTimeout(ctx, claimTTL/2)
	defer cancel()

	c, err := s.claim(ctx, id, action)
	if err != nil {
		return c, err
	}

	if action == ActionComplete {
		err = s.complete(ctx, &c)
	} else {
		err = s.reverse(ctx, &c)
	}
	if err != nil {
		s.release(ctx, &c)
		return c, err
	}

	c.State = StateResolved
	c.ClaimedAt = time.Time{}
	c.ResolvedAt = s.now().UTC()
	if err := s.save(ctx, &c); err != nil {
		return c, fmt.Errorf("close case %s: %w", c.ID, err)
	}

	metrics.ReconciliationResolved.WithLabelValues(string(action)).Inc()
	metrics.OpenReconciliationCases.Dec()
	s.logger.Info("reconciliation case resolved",
		"case_id", c.ID,
		"action", action,
		"source_account_id", c.SourceAccountID,
		"destination_account_id", c.DestinationAccountID,
		"amount", c.Amount,
	)
	return c, nil
}

func (s *Service) claim(ctx context.Context, id string, action Action) (Case, error) {
	c, err := s.journal.Get(ctx, id)
	if err != nil {
		return Case{}, err
	}
	now := s.now().UTC()
	switch {
	case c.State == StateResolved:
		return c, ErrAlreadyResolved
	case c.State == StateInProgress && now.Sub(c.ClaimedAt) < claimTTL:
		return c, ErrCaseBusy
	case action == ActionReverse && c.Stage == StageRecording:
		return c, fmt.Errorf("%w: destination already credited, only complete is possible", ErrActionNotAllowed)
	case action == ActionComplete && c.Stage == StageDebiting:
		return c, fmt.Errorf("%w: the debit is unconfirmed, only reverse is possible", ErrActionNotAllowed)
	}

	c.State = StateInProgress
	c.Resolution = action
	c.ClaimedAt = now
	if err := s.save(ctx, &c); err != nil {
		if errors.Is(err, ErrCaseConflict) {
			return c, ErrCaseBusy
		}
		return c, fmt.Errorf("claim case %s: %w", id, err)
	}
	return c, nil
}

// release reopens c with its progress. If that write fails too, the claim
// simply lapses after claimTTL.
func (s *Service) release(ctx context.Context, c *Case) {
	c.State = StateOpen
	c.Resolution = ""
	c.ClaimedAt = time.Time{}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.save(ctx, c); err != nil {
		s.logger.Warn("failed to release reconciliation case", "case_id", c.ID, "error", err)
	}
}

func (s *Service) save(ctx context.Context, c *Case) error {
	if err := s.journal.Update(ctx, *c); err != nil {
		return err
	}
	c.Revision++
	return nil
}

func (s *Service) complete(ctx context.Context, c *Case) error {
	landed, err := s.settle(ctx, c)
	if err != nil {
		return err
	}

	if c.Stage == StageCrediting {
		if landed == nil {
			acc, err := s.apply(ctx, c, c.DestinationAccountID, c.Amount, c.CreditRecordID)
			if err != nil {
				return fmt.Errorf("credit destination: %w", err)
			}
			landed = &acc
		}
		c.Stage = StageRecording
		c.DestinationVersion = landed.Version
		c.DestinationBalanceAfter = landed.Balance
	}

	var errs []error
	if !c.DebitRecorded {
		if err := s.appendOnce(ctx, c.SourceAccountID, DebitRecord(*c)); err != nil {
			errs = append(errs, fmt.Errorf("append debit: %w", err))
		} else {
			c.DebitRecorded = true
		}
	}
	if !c.CreditRecorded {
		if err := s.appendOnce(ctx, c.DestinationAccountID, CreditRecord(*c)); err != nil {
			errs = append(errs, fmt.Errorf("append credit: %w", err))
		} else {
			c.CreditRecorded = true
		}
	}
	return errors.Join(errs...)
}

func (s *Service) reverse(ctx context.Context, c *Case) error {
	landed, err := s.settle(ctx, c)
	if err != nil {
		return err
	}

	switch {
	case c.Stage == StageDebiting:
		// settle proved the debit never landed: nothing to give back.
		return nil
	case landed != nil:
		c.Stage = StageRecording
		c.DestinationVersion = landed.Version
		c.DestinationBalanceAfter = landed.Balance
		return fmt.Errorf("%w: destination already credited, only complete is possible", ErrActionNotAllowed)
	}

	if _, err := s.apply(ctx, c, c.SourceAccountID, c.Amount, ""); err != nil {
		return fmt.Errorf("refund source: %w", err)
	}
	return nil
}

// apply adjusts accountID by delta at an exact version, saving an Intent
// before every attempt. A lost race is retried from the new version. An
// unconfirmed swap keeps its intent for the next run to settle.
func (s *Service) apply(ctx context.Context, c *Case, accountID string, delta int64, recordID string) (model.Account, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.accounts.Get(ctx, accountID)
		if err != nil {
			return model.Account{}, err
		}
		c.Intent = &Intent{AccountID: accountID, BaseVersion: cur.Version, Delta: delta, RecordID: recordID}
		if err := s.save(ctx, c); err != nil {
			return model.Account{}, fmt.Errorf("save intent: %w", err)
		}

		acc, err := s.accounts.AdjustAt(ctx, accountID, cur.Version, delta)
		if err == nil {
			c.Intent = nil
			return acc, nil
		}
		var unconfirmed *account.UnconfirmedError
		if errors.As(err, &unconfirmed) {
			return model.Account{}, err
		}
		c.Intent = nil
		if !errors.Is(err, account.ErrVersionConflict) || attempt >= s.maxAttempts || ctx.Err() != nil {
			return model.Account{}, err
		}
	}
}

// settle decides whether c.Intent landed and clears it. It returns the account
// state the adjustment produced when that can be read from its ledger record.
func (s *Service) settle(ctx context.Context, c *Case) (*model.Account, error) {
	in := c.Intent
	if in == nil {
		return nil, nil
	}
	cur, err := s.accounts.Get(ctx, in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", in.AccountID, err)
	}
	if cur.Version == in.BaseVersion {
		c.Intent = nil
		return nil, nil
	}

	records, err := s.log.Stream(ctx, in.AccountID)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", in.AccountID, err)
	}
	for _, r := range records {
		if in.RecordID != "" && r.ID == in.RecordID {
			c.Intent = nil
			return &model.Account{ID: in.AccountID, Version: r.Sequence, Balance: r.BalanceAfter}, nil
		}
	}
	// Version BaseVersion+1 was produced by exactly one swap. If another
	// record owns it, this adjustment lost that race.
	for _, r := range records {
		if r.Sequence == in.BaseVersion+1 {
			c.Intent = nil
			return nil, nil
		}
	}

	s.logger.Error("RECONCILIATION REQUIRED: cannot tell whether an adjustment landed",
		"case_id", c.ID,
		"account_id", in.AccountID,
		"base_version", in.BaseVersion,
		"current_version", cur.Version,
		"delta", in.Delta,
	)
	return nil, fmt.Errorf("%w: account %s moved from version %d to %d with no record for version %d",
		ErrOutcomeUnknown, in.AccountID, in.BaseVersion, cur.Version, in.BaseVersion+1)
}

func (s *Service) appendOnce(ctx context.Context, accountID string, rec model.Record) error {
	records, err := s.log.Stream(ctx, accountID)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == rec.ID {
			return nil
		}
	}
	return s.log.Append(ctx, accountID, rec)
}

// DebitRecord is the source-side record of the transfer c describes.
func DebitRecord(c Case) model.Record {
	return model.Record{
		ID:                      c.DebitRecordID,
		AccountID:               c.SourceAccountID,
		CounterpartyAccountID:   c.DestinationAccountID,
		CounterpartyDisplayName: c.DestinationDisplayName,
		Amount:                  c.Amount,
		Kind:                    model.KindDebit,
		Timestamp:               c.Timestamp,
		Memo:                    c.Memo,
		Status:                  model.StatusSuccess,
		Sequence:                c.SourceVersion,
		BalanceAfter:            c.SourceBalanceAfter,
	}
}

// CreditRecord is the destination-side record of the transfer c describes.
func CreditRecord(c Case) model.Record {
	kind := model.KindCredit
	if c.CreditKind != "" {
		kind = c.CreditKind
	}
	return model.Record{
		ID:                      c.CreditRecordID,
		AccountID:               c.DestinationAccountID,
		CounterpartyAccountID:   c.SourceAccountID,
		CounterpartyDisplayName: c.SourceDisplayName,
		Amount:                  c.Amount,
		Kind:                    kind,
		Timestamp:               c.Timestamp,
		Memo:                    c.Memo,
		Status:                  model.StatusSuccess,
		Sequence:                c.DestinationVersion,
		BalanceAfter:            c.DestinationBalanceAfter,
	}
}
