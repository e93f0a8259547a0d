package transfer

import (
	"errors"
	"fmt"

	"skyledger/internal/metrics"
	"skyledger/internal/reconcile"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrSelfTransfer        = errors.New("cannot transfer to the source account")
	ErrAddressNotFound     = errors.New("destination address not found")
	ErrAccountNotFound     = errors.New("source account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnavailable         = errors.New("ledger temporarily unavailable")
	ErrIndeterminate       = errors.New("transfer outcome indeterminate")
)

// IndeterminateError reports a transfer whose debit committed but whose credit
// or ledger records were not confirmed. It must not be retried blindly: the
// case is in the reconciliation journal under CaseID.
type IndeterminateError struct {
	CaseID               string
	Stage                reconcile.Stage
	SourceAccountID      string
	DestinationAccountID string
	DestinationAddress   string
	Amount               int64
	Memo                 string
	Cause                error
}

func (e *IndeterminateError) Error() string {
	return fmt.Sprintf("transfer indeterminate at %s (case %s, %s -> %s, amount %d): %v",
		e.Stage, e.CaseID, e.SourceAccountID, e.DestinationAddress, e.Amount, e.Cause)
}

func (e *IndeterminateError) Unwrap() []error {
	return []error{ErrIndeterminate, e.Cause}
}

// IsValidation reports whether err was raised before any mutation because of bad input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrAddressNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}

// Outcome classifies a Transfer result for metrics and transports.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrIndeterminate):
		return metrics.OutcomeIndeterminate
	case IsValidation(err):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrInsufficientBalance):
		return metrics.OutcomeInsufficient
	default:
		return metrics.OutcomeUnavailable
	}
}

// Stable failure codes for transports that cannot carry a typed error.
const (
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeSelfTransfer        = "SELF_TRANSFER"
	CodeAddressNotFound     = "ADDRESS_NOT_FOUND"
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeIndeterminate       = "INDETERMINATE"
	CodeUnavailable         = "UNAVAILABLE"
)

// Code names the reason a Transfer failed. It is empty for nil and finer
// than Outcome: each validation failure gets its own code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIndeterminate):
		return CodeIndeterminate
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrSelfTransfer):
		return CodeSelfTransfer
	case errors.Is(err, ErrAddressNotFound):
		return CodeAddressNotFound
	case errors.Is(err, ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	default:
		return CodeUnavailable
	}
}
