package address

import (
	"context"
	"sync"

	"skyledger/internal/model"
)

type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]model.AccountRef
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]model.AccountRef)}
}

func (d *MemoryDirectory) Resolve(_ context.Context, addr string) (model.AccountRef, error) {
	key, err := Key(addr)
	if err != nil {
		return model.AccountRef{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ref, ok := d.entries[key]
	if !ok {
		return model.AccountRef{}, ErrNotFound
	}
	return ref, nil
}

func (d *MemoryDirectory) Bind(_ context.Context, accountID, addr, displayName string) error {
	canonical, err := Canonical(addr)
	if err != nil {
		return err
	}
	key := keyEscaper.Replace(canonical)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.entries[key]; taken {
		return ErrAlreadyBound
	}
	d.entries[key] = model.AccountRef{AccountID: accountID, DisplayName: displayName, Address: canonical}
	return nil
}
