package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrSameAccount        = errors.New("cannot transfer to same account")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrCurrencyMismatch   = errors.New("currency mismatch")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrTransferTimedOut   = errors.New("transfer timed out")
	ErrTransientConflict  = errors.New("transient conflict")
	ErrDuplicateReference = errors.New("duplicate reference code")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrVersionConflict    = errors.New("account version conflict")
)

// Side names which leg of a transfer an account error refers to.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// AccountError reports a missing or inactive account on one side of a transfer.
// Err is ErrAccountNotFound or ErrAccountInactive.
type AccountError struct {
	Side          Side
	AccountNumber string
	Err           error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("%s account %s: %v", e.Side, e.AccountNumber, e.Err)
}

func (e *AccountError) Unwrap() error { return e.Err }

// CurrencyMismatchError reports a transfer currency that differs from an account's.
type CurrencyMismatchError struct {
	Side             Side
	AccountNumber    string
	AccountCurrency  string
	TransferCurrency string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: %s account %s holds %s, transfer is in %s",
		e.Side, e.AccountNumber, e.AccountCurrency, e.TransferCurrency)
}

func (e *CurrencyMismatchError) Unwrap() error { return ErrCurrencyMismatch }

// InsufficientFundsError carries the balance observed under the lease.
type InsufficientFundsError struct {
	AccountNumber string
	Available     decimal.Decimal
	Requested     decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s",
		e.AccountNumber, e.Available.String(), e.Requested.String())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// TransientConflictError is returned when the bounded retry budget ran out.
// The transfer stays non-terminal and may be resubmitted with the same reference code.
type TransientConflictError struct {
	ReferenceCode string
	Attempts      int
	Err           error
}

func (e *TransientConflictError) Error() string {
	return fmt.Sprintf("transfer %s: transient conflict after %d attempts: %v", e.ReferenceCode, e.Attempts, e.Err)
}

func (e *TransientConflictError) Unwrap() []error {
	return []error{ErrTransientConflict, e.Err}
}

// FailureCode classifies why a transfer record ended FAILED.
type FailureCode string

const (
	FailureSameAccount       FailureCode = "SAME_ACCOUNT"
	FailureAccountNotFound   FailureCode = "ACCOUNT_NOT_FOUND"
	FailureAccountInactive   FailureCode = "ACCOUNT_INACTIVE"
	FailureInvalidAmount     FailureCode = "INVALID_AMOUNT"
	FailureCurrencyMismatch  FailureCode = "CURRENCY_MISMATCH"
	FailureInsufficientFunds FailureCode = "INSUFFICIENT_FUNDS"
	FailureTimeout           FailureCode = "TIMEOUT"
)

// Sentinel returns the error class a failure code stands for.
func (c FailureCode) Sentinel() error {
	switch c {
	case FailureSameAccount:
		return ErrSameAccount
	case FailureAccountNotFound:
		return ErrAccountNotFound
	case FailureAccountInactive:
		return ErrAccountInactive
	case FailureInvalidAmount:
		return ErrInvalidAmount
	case FailureCurrencyMismatch:
		return ErrCurrencyMismatch
	case FailureInsufficientFunds:
		return ErrInsufficientFunds
	case FailureTimeout:
		return ErrTransferTimedOut
	default:
		return fmt.Errorf("transfer failed (%s)", string(c))
	}
}

// FailureCodeOf classifies a validation error. ok is false for errors that are
// not terminal for a transfer (store, lock and conflict errors).
func FailureCodeOf(err error) (code FailureCode, ok bool) {
	switch {
	case errors.Is(err, ErrSameAccount):
		return FailureSameAccount, true
	case errors.Is(err, ErrAccountNotFound):
		return FailureAccountNotFound, true
	case errors.Is(err, ErrAccountInactive):
		return FailureAccountInactive, true
	case errors.Is(err, ErrInvalidAmount):
		return FailureInvalidAmount, true
	case errors.Is(err, ErrCurrencyMismatch):
		return FailureCurrencyMismatch, true
	case errors.Is(err, ErrInsufficientFunds):
		return FailureInsufficientFunds, true
	case errors.Is(err, ErrTransferTimedOut):
		return FailureTimeout, true
	default:
		return "", false
	}
}
