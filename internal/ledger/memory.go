package ledger

import (
	"context"
	"sync"

	"skyledger/internal/model"
)

type MemoryLog struct {
	mu         sync.RWMutex
	partitions map[string][]model.Record
	faults     map[string]error
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		partitions: make(map[string][]model.Record),
		faults:     make(map[string]error),
	}
}

// InjectFault makes appends to accountID fail with err until cleared with a nil err.
func (l *MemoryLog) InjectFault(accountID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.faults, accountID)
		return
	}
	l.faults[accountID] = err
}

func (l *MemoryLog) Append(ctx context.Context, accountID string, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(rec); err != nil {
		return err
	}
	rec.AccountID = accountID

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.faults[accountID]; err != nil {
		return err
	}
	l.partitions[accountID] = append(l.partitions[accountID], rec)
	return nil
}

func (l *MemoryLog) Stream(_ context.Context, accountID string) ([]model.Record, error) {
	l.mu.RLock()
	out := make([]model.Record, len(l.partitions[accountID]))
	copy(out, l.partitions[accountID])
	l.mu.RUnlock()

	SortNewestFirst(out)
	return out, nil
}
