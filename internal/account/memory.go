package account

import (
	"context"
	"sort"
	"sync"

	"skyledger/internal/model"
)

// MemoryBackend keeps accounts in a map. The mutex only makes each
// compare-and-swap atomic; it is never held across a read-modify-write cycle.
type MemoryBackend struct {
	mu        sync.Mutex
	accounts  map[string]model.Account
	conflicts map[string]int
	faults    map[string]error
	lost      map[string]error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		accounts:  make(map[string]model.Account),
		conflicts: make(map[string]int),
		faults:    make(map[string]error),
		lost:      make(map[string]error),
	}
}

// InjectConflicts makes the next n swaps on id fail as if another writer won.
func (b *MemoryBackend) InjectConflicts(id string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conflicts[id] = n
}

// InjectFault makes every load and swap on id fail with err until cleared with a nil err.
func (b *MemoryBackend) InjectFault(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.faults, id)
		return
	}
	b.faults[id] = err
}

// InjectLostReply makes the next swap on id commit and then report err, like
// a connection dropped after the UPDATE reached the database.
func (b *MemoryBackend) InjectLostReply(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost[id] = err
}

func (b *MemoryBackend) Load(_ context.Context, id string) (model.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.faults[id]; err != nil {
		return model.Account{}, err
	}
	acc, ok := b.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return acc, nil
}

func (b *MemoryBackend) CompareAndSwap(_ context.Context, id string, expectedVersion, newBalance int64) (model.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.faults[id]; err != nil {
		return model.Account{}, err
	}
	acc, ok := b.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	if n := b.conflicts[id]; n > 0 {
		b.conflicts[id] = n - 1
		return model.Account{}, ErrVersionConflict
	}
	if acc.Version != expectedVersion {
		return model.Account{}, ErrVersionConflict
	}
	if newBalance < 0 {
		return model.Account{}, ErrNegativeBalance
	}
	acc.Balance = newBalance
	acc.Version++
	b.accounts[id] = acc
	if err := b.lost[id]; err != nil {
		delete(b.lost, id)
		return model.Account{}, err
	}
	return acc, nil
}

func (b *MemoryBackend) Insert(_ context.Context, acc model.Account) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[acc.ID]; exists {
		return ErrAccountExists
	}
	b.accounts[acc.ID] = acc
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]model.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Account, 0, len(b.accounts))
	for _, acc := range b.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
