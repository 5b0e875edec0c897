package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the state of a transfer record.
type TransferStatus string

const (
	StatusInitiated TransferStatus = "INITIATED"
	StatusValidated TransferStatus = "VALIDATED"
	StatusCommitted TransferStatus = "COMMITTED"
	StatusFailed    TransferStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TransferStatus) IsTerminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// CanTransitionTo encodes the transfer state machine:
//
//	INITIATED -> VALIDATED -> COMMITTED
//	INITIATED -> FAILED
//	VALIDATED -> FAILED
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	switch s {
	case StatusInitiated:
		return next == StatusValidated || next == StatusFailed
	case StatusValidated:
		return next == StatusCommitted || next == StatusFailed
	default:
		return false
	}
}

// ParseTransferStatus accepts a status name in any case.
func ParseTransferStatus(s string) (TransferStatus, error) {
	switch st := TransferStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusInitiated, StatusValidated, StatusCommitted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown transfer status %q", s)
	}
}

// Transfer is the durable record of one logical transfer request, keyed by ReferenceCode.
// AvailableBalance is the source balance seen when an INSUFFICIENT_FUNDS failure
// was recorded; it lets a replay return the same typed error.
type Transfer struct {
	ReferenceCode    string           `json:"reference_code"`
	SourceAccount    string           `json:"source_account"`
	DestAccount      string           `json:"dest_account"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Concept          string           `json:"concept"`
	Status           TransferStatus   `json:"status"`
	FailureCode      FailureCode      `json:"failure_code,omitempty"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	AvailableBalance *decimal.Decimal `json:"available_balance,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Involves reports whether the account is the source or destination.
func (t *Transfer) Involves(accountNumber string) bool {
	return t.SourceAccount == accountNumber || t.DestAccount == accountNumber
}

// Err rebuilds the failure of a FAILED record as an error matching the
// original error class. It returns nil for any other status.
func (t *Transfer) Err() error {
	if t.Status != StatusFailed {
		return nil
	}
	if t.FailureCode == FailureInsufficientFunds && t.AvailableBalance != nil {
		return &InsufficientFundsError{
			AccountNumber: t.SourceAccount,
			Available:     *t.AvailableBalance,
			Requested:     t.Amount,
		}
	}
	return fmt.Errorf("%w: %s", t.FailureCode.Sentinel(), t.FailureReason)
}

// TransitionDetails accompanies a status change. Failure fields are set iff the
// new status is FAILED.
type TransitionDetails struct {
	FailureCode      FailureCode
	FailureReason    string
	AvailableBalance *decimal.Decimal
}

// NewTransfer builds an INITIATED record for cmd.
func NewTransfer(cmd TransferCommand, now time.Time) *Transfer {
	return &Transfer{
		ReferenceCode: cmd.ReferenceCode,
		SourceAccount: cmd.SourceAccount,
		DestAccount:   cmd.DestAccount,
		Amount:        cmd.Amount,
		Currency:      cmd.Currency,
		Concept:       cmd.Concept,
		Status:        StatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Command returns the request that produced t.
func (t *Transfer) Command() TransferCommand {
	return TransferCommand{
		ReferenceCode: t.ReferenceCode,
		SourceAccount: t.SourceAccount,
		DestAccount:   t.DestAccount,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Concept:       t.Concept,
	}
}
