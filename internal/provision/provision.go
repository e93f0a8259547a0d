// Package provision creates the ledger side of a newly authenticated identity:
// a payment address, an account and a one-time welcome bonus.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"skyledger/internal/account"
	"skyledger/internal/address"
	"skyledger/internal/model"
	"skyledger/internal/reconcile"
)

const (
	BonusCounterpartyName = "SkyPay Rewards"
	BonusMemo             = "Welcome Bonus"
)

var (
	ErrMissingUID       = errors.New("identity uid is required")
	ErrAddressSpaceFull = errors.New("could not find a free payment address")
)

type Accounts interface {
	Get(ctx context.Context, id string) (model.Account, error)
	Create(ctx context.Context, acc model.Account) (model.Account, error)
	ConditionalAdjust(ctx context.Context, id string, delta int64, pred account.Predicate) (model.Account, error)
}

type Appender interface {
	Append(ctx context.Context, accountID string, rec model.Record) error
}

// Journal receives a case for a bonus that was credited but never recorded.
type Journal interface {
	Open(ctx context.Context, c reconcile.Case) error
}

type Config struct {
	BonusAmount int64
	Namespace   string
	// MaxAddressAttempts bounds retries after address collisions.
	MaxAddressAttempts int
	// RecordAttempts bounds appends of the bonus record. Every attempt
	// carries the same record id.
	RecordAttempts int
}

type Provisioner struct {
	directory address.Directory
	accounts  Accounts
	log       Appender
	journal   Journal
	cfg       Config
	logger    *slog.Logger

	suffix func() int
	now    func() time.Time
}

func New(directory address.Directory, accounts Accounts, log Appender, journal Journal, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.Namespace == "" {
		cfg.Namespace = "skypay"
	}
	if cfg.MaxAddressAttempts <= 0 {
		cfg.MaxAddressAttempts = 10
	}
	if cfg.RecordAttempts <= 0 {
		cfg.RecordAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		directory: directory,
		accounts:  accounts,
		log:       log,
		journal:   journal,
		cfg:       cfg,
		logger:    logger.With("component", "provisioning"),
		suffix:    func() int { return 1000 + rand.IntN(9000) },
		now:       time.Now,
	}
}

// Provision returns the identity's account, creating it on first sight.
// created is false when the account already existed; no second bonus is issued.
func (p *Provisioner) Provision(ctx context.Context, id model.Identity) (acc model.Account, created bool, err error) {
	if strings.TrimSpace(id.UID) == "" {
		return model.Account{}, false, ErrMissingUID
	}

	acc, err = p.accounts.Get(ctx, id.UID)
	if err == nil {
		return acc, false, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return model.Account{}, false, fmt.Errorf("lookup account: %w", err)
	}

	local := localPart(id.Email)
	name := strings.TrimSpace(id.DisplayName)
	if name == "" {
		name = local
	}

	addr, err := p.bindAddress(ctx, id.UID, local, name)
	if err != nil {
		return model.Account{}, false, err
	}

	acc, err = p.accounts.Create(ctx, model.Account{
		ID:          id.UID,
		DisplayName: name,
		Address:     addr,
		CreatedAt:   p.now().UTC(),
	})
	if errors.Is(err, account.ErrAccountExists) {
		// A concurrent call won; its address stays bound to the same account.
		existing, gerr := p.accounts.Get(ctx, id.UID)
		return existing, false, gerr
	}
	if err != nil {
		return model.Account{}, false, fmt.Errorf("create account: %w", err)
	}

	p.logger.Info("account provisioned", "account_id", acc.ID, "address", addr)

	if p.cfg.BonusAmount <= 0 {
		return acc, true, nil
	}
	acc, err = p.grantBonus(ctx, acc)
	return acc, true, err
}

func (p *Provisioner) bindAddress(ctx context.Context, uid, local, name string) (string, error) {
	for attempt := 0; attempt < p.cfg.MaxAddressAttempts; attempt++ {
		addr := fmt.Sprintf("%s%d@%s", local, p.suffix(), p.cfg.Namespace)
		err := p.directory.Bind(ctx, uid, addr, name)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, address.ErrAlreadyBound) {
			return "", fmt.Errorf("bind address: %w", err)
		}
	}
	return "", ErrAddressSpaceFull
}

func (p *Provisioner) grantBonus(ctx context.Context, acc model.Account) (model.Account, error) {
	credited, err := p.accounts.ConditionalAdjust(ctx, acc.ID, p.cfg.BonusAmount, account.Always)
	if err != nil {
		return acc, fmt.Errorf("credit welcome bonus: %w", err)
	}

	rec := model.Record{
		ID:                      uuid.NewString(),
		AccountID:               acc.ID,
		CounterpartyAccountID:   model.SystemAccountID,
		CounterpartyDisplayName: BonusCounterpartyName,
		Amount:                  p.cfg.BonusAmount,
		Kind:                    model.KindBonus,
		Timestamp:               p.now().UTC(),
		Memo:                    BonusMemo,
		Status:                  model.StatusSuccess,
		Sequence:                credited.Version,
		BalanceAfter:            credited.Balance,
	}
	backoff := retry.WithMaxRetries(uint64(p.cfg.RecordAttempts-1), retry.NewExponential(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.log.Append(ctx, acc.ID, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.reportUnrecorded(ctx, rec, err)
		return credited, fmt.Errorf("record welcome bonus: %w", err)
	}
	return credited, nil
}

// reportUnrecorded opens a recording-stage case for a bonus whose record is
// missing, so completing it writes exactly rec.
func (p *Provisioner) reportUnrecorded(ctx context.Context, rec model.Record, cause error) {
	c := reconcile.Case{
		ID:                      uuid.NewString(),
		Stage:                   reconcile.StageRecording,
		State:                   reconcile.StateOpen,
		SourceAccountID:         model.SystemAccountID,
		SourceDisplayName:       BonusCounterpartyName,
		DestinationAccountID:    rec.AccountID,
		Amount:                  rec.Amount,
		Memo:                    rec.Memo,
		Timestamp:               rec.Timestamp,
		CreditRecordID:          rec.ID,
		DestinationVersion:      rec.Sequence,
		DestinationBalanceAfter: rec.BalanceAfter,
		DebitRecorded:           true,
		CreditKind:              model.KindBonus,
		Cause:                   cause.Error(),
		CreatedAt:               p.now().UTC(),
	}

	attrs := []any{"account_id", rec.AccountID, "record_id", rec.ID, "amount", rec.Amount, "error", cause}
	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.journal.Open(journalCtx, c); err != nil {
		p.logger.Error("RECONCILIATION REQUIRED: failed to journal unrecorded welcome bonus",
			append(attrs, "journal_error", err)...)
		return
	}
	p.logger.Error("RECONCILIATION REQUIRED: welcome bonus credited but not recorded",
		append(attrs, "case_id", c.ID)...)
}

// localPart keeps the letters and digits of the email's local part.
func localPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
