package model

import "time"

// SystemAccountID is the notional counterparty of BONUS records.
const SystemAccountID = "SYSTEM"

type Kind string

const (
	KindDebit  Kind = "DEBIT"
	KindCredit Kind = "CREDIT"
	KindBonus  Kind = "BONUS"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	// StatusPendingReview is reported for transfers awaiting reconciliation.
	StatusPendingReview Status = "PENDING_REVIEW"
)

// Account is a point-in-time snapshot of one ledger account.
// Version increments on every committed balance mutation.
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Address     string    `json:"address"`
	Balance     int64     `json:"balance"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

// AccountRef is what the address directory knows about an account.
type AccountRef struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Address     string `json:"address"`
}

// Record is a single ledger entry owned by AccountID.
// Sequence is the account version produced by the mutation it describes.
type Record struct {
	ID                      string    `json:"id"`
	AccountID               string    `json:"account_id"`
	CounterpartyAccountID   string    `json:"counterparty_account_id"`
	CounterpartyDisplayName string    `json:"counterparty_display_name"`
	Amount                  int64     `json:"amount"`
	Kind                    Kind      `json:"kind"`
	Timestamp               time.Time `json:"timestamp"`
	Memo                    string    `json:"memo,omitempty"`
	Status                  Status    `json:"status"`
	Sequence                int64     `json:"sequence"`
	BalanceAfter            int64     `json:"balance_after"`
}

// Signed returns the record's effect on its owner's balance.
func (r Record) Signed() int64 {
	if r.Kind == KindDebit {
		return -r.Amount
	}
	return r.Amount
}

type TransferRequest struct {
	SourceAccountID    string `json:"source_account_id"`
	DestinationAddress string `json:"destination_address"`
	Amount             int64  `json:"amount"`
	Memo               string `json:"memo"`
}

type TransferResult struct {
	SourceBalance   int64     `json:"source_balance"`
	DebitRecordID   string    `json:"debit_record_id"`
	CreditRecordID  string    `json:"credit_record_id"`
	DestinationID   string    `json:"destination_account_id"`
	DestinationName string    `json:"destination_display_name"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
}

// Identity is an externally authenticated user about to get an account.
type Identity struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// AccountEvent is the wire form of a change-feed notification.
type AccountEvent struct {
	AccountID string    `json:"account_id"`
	Account   *Account  `json:"account,omitempty"`
	Record    *Record   `json:"record,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}
