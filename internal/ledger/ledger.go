// Package ledger is the append-only, per-account log of transaction records.
// Records are never edited or removed; corrections are new records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"skyledger/internal/model"
)

var ErrInvalidRecord = errors.New("invalid ledger record")

type Log interface {
	Append(ctx context.Context, accountID string, rec model.Record) error
	// Stream returns the account's records newest first.
	Stream(ctx context.Context, accountID string) ([]model.Record, error)
}

// Observer is told about every appended record.
type Observer interface {
	RecordAppended(ctx context.Context, rec model.Record)
}

func Validate(rec model.Record) error {
	switch {
	case rec.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case rec.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRecord, rec.Amount)
	case rec.Status != model.StatusSuccess:
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, rec.Status)
	}
	switch rec.Kind {
	case model.KindDebit, model.KindCredit, model.KindBonus:
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidRecord, rec.Kind)
	}
}

// Replay reconstructs a balance from a complete account log.
func Replay(records []model.Record) int64 {
	var balance int64
	for _, r := range records {
		balance += r.Signed()
	}
	return balance
}

// SortNewestFirst orders by commit sequence, then timestamp, both descending.
func SortNewestFirst(records []model.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Sequence != records[j].Sequence {
			return records[i].Sequence > records[j].Sequence
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}

type observed struct {
	Log
	observer Observer
}

// WithObserver notifies o after every successful append to l.
func WithObserver(l Log, o Observer) Log {
	if o == nil {
		return l
	}
	return &observed{Log: l, observer: o}
}

func (l *observed) Append(ctx context.Context, accountID string, rec model.Record) error {
	if err := l.Log.Append(ctx, accountID, rec); err != nil {
		return err
	}
	rec.AccountID = accountID
	l.observer.RecordAppended(ctx, rec)
	return nil
}
