// Package reconcile tracks transfers whose debit committed but whose credit or
// ledger records were not confirmed, and lets an operator complete or reverse them.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"skyledger/internal/model"
)

var (
	ErrCaseNotFound     = errors.New("reconciliation case not found")
	ErrCaseExists       = errors.New("reconciliation case already exists")
	ErrAlreadyResolved  = errors.New("reconciliation case already resolved")
	ErrActionNotAllowed = errors.New("action not allowed for this case")
	ErrCaseBusy         = errors.New("reconciliation case is being resolved")
	ErrCaseConflict     = errors.New("reconciliation case changed concurrently")
	ErrOutcomeUnknown   = errors.New("outcome of an earlier balance adjustment is unknown")
)

// Stage is where a transfer stopped after its debit committed.
type Stage string

const (
	// StageDebiting: the debit's own write was unconfirmed.
	StageDebiting  Stage = "debiting"
	StageCrediting Stage = "crediting"
	StageRecording Stage = "recording"
)

type State string

const (
	StateOpen       State = "OPEN"
	StateInProgress State = "IN_PROGRESS"
	StateResolved   State = "RESOLVED"
)

type Action string

const (
	ActionComplete Action = "complete"
	ActionReverse  Action = "reverse"
)

// Intent is a balance adjustment whose outcome is not confirmed yet. It is
// saved before the swap is attempted. BaseVersion is the version the swap
// expects, so the account's later state shows whether it landed.
type Intent struct {
	AccountID   string `json:"account_id"`
	BaseVersion int64  `json:"base_version"`
	Delta       int64  `json:"delta"`
	// RecordID names the ledger record written once the adjustment lands, if any.
	RecordID string `json:"record_id,omitempty"`
}

// Case carries everything needed to finish or undo a half-applied transfer.
// Record ids and the timestamp are fixed when the transfer starts, so a
// completed case writes exactly the records the transfer would have.
type Case struct {
	ID                      string    `json:"id"`
	Stage                   Stage     `json:"stage"`
	State                   State     `json:"state"`
	SourceAccountID         string    `json:"source_account_id"`
	SourceDisplayName       string    `json:"source_display_name"`
	DestinationAccountID    string    `json:"destination_account_id"`
	DestinationDisplayName  string    `json:"destination_display_name"`
	DestinationAddress      string    `json:"destination_address"`
	Amount                  int64     `json:"amount"`
	Memo                    string    `json:"memo,omitempty"`
	Timestamp               time.Time `json:"timestamp"`
	DebitRecordID           string    `json:"debit_record_id"`
	CreditRecordID          string    `json:"credit_record_id"`
	SourceVersion           int64     `json:"source_version"`
	SourceBalanceAfter      int64     `json:"source_balance_after"`
	DestinationVersion      int64     `json:"destination_version"`
	DestinationBalanceAfter int64     `json:"destination_balance_after"`
	DebitRecorded           bool      `json:"debit_recorded"`
	CreditRecorded          bool      `json:"credit_recorded"`
	// CreditKind overrides the destination record's kind; BONUS for welcome bonuses.
	CreditKind model.Kind `json:"credit_kind,omitempty"`
	Intent     *Intent    `json:"intent,omitempty"`
	Cause      string     `json:"cause"`
	Resolution Action     `json:"resolution,omitempty"`
	// Revision increments on every journal update.
	Revision   int64     `json:"revision"`
	ClaimedAt  time.Time `json:"claimed_at,omitzero"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// Journal stores cases. Update replaces a case only if the stored revision
// equals c.Revision and the case is not resolved, and stores it with the
// revision incremented. Otherwise it returns ErrAlreadyResolved or
// ErrCaseConflict. Pending lists every unresolved case, oldest first.
type Journal interface {
	Open(ctx context.Context, c Case) error
	Update(ctx context.Context, c Case) error
	Get(ctx context.Context, id string) (Case, error)
	Pending(ctx context.Context) ([]Case, error)
}

type MemoryJournal struct {
	mu    sync.RWMutex
	cases map[string]Case
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{cases: make(map[string]Case)}
}

func (j *MemoryJournal) Open(_ context.Context, c Case) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.cases[c.ID]; ok {
		return ErrCaseExists
	}
	if c.State == "" {
		c.State = StateOpen
	}
	j.cases[c.ID] = c
	return nil
}

func (j *MemoryJournal) Update(_ context.Context, c Case) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	stored, ok := j.cases[c.ID]
	switch {
	case !ok:
		return ErrCaseNotFound
	case stored.State == StateResolved:
		return ErrAlreadyResolved
	case stored.Revision != c.Revision:
		return ErrCaseConflict
	}
	c.Revision++
	j.cases[c.ID] = c
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, id string) (Case, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	c, ok := j.cases[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return c, nil
}

func (j *MemoryJournal) Pending(_ context.Context) ([]Case, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Case
	for _, c := range j.cases {
		if c.State != StateResolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}
