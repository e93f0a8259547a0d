// Package address resolves human-readable payment addresses
// (local-part@namespace) to ledger accounts.
package address

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"skyledger/internal/model"
)

var (
	ErrNotFound       = errors.New("address not found")
	ErrAlreadyBound   = errors.New("address already bound")
	ErrInvalidAddress = errors.New("invalid address")
)

// Directory maps payment addresses to accounts. Bindings are permanent.
type Directory interface {
	Resolve(ctx context.Context, address string) (model.AccountRef, error)
	Bind(ctx context.Context, accountID, address, displayName string) error
}

// '.' is the reserved separator; '%' is escaped first so the encoding stays injective.
var keyEscaper = strings.NewReplacer("%", "%25", ".", "%2E")

// Canonical trims and lower-cases an address and validates its shape.
// Payment URIs of the form upi://pay?pa=<address> are unwrapped.
func Canonical(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(s), "upi://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		s = strings.TrimSpace(u.Query().Get("pa"))
	}
	s = strings.ToLower(s)

	local, namespace, ok := strings.Cut(s, "@")
	if !ok || local == "" || namespace == "" || strings.Contains(namespace, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	if strings.ContainsAny(s, " \t\r\n/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return s, nil
}

// Key returns the storage key for an address.
func Key(raw string) (string, error) {
	s, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	return keyEscaper.Replace(s), nil
}
