// Package store defines the persistence contracts consumed by the transfer
// engine and the account service. Implementations live in subpackages.
package store

import (
	"context"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/shopspring/decimal"
)

// AccountStore is the account surface the transfer engine needs.
type AccountStore interface {
	// GetAccount returns domain.ErrAccountNotFound when the number is unknown.
	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)

	// ConditionalUpdate sets the balance only if the stored version equals
	// expectedVersion. Returns domain.ErrVersionConflict or domain.ErrAccountNotFound.
	ConditionalUpdate(ctx context.Context, accountNumber string, expectedVersion int64, newBalance decimal.Decimal) (*domain.Account, error)
}

// AccountDirectory is the account-management surface.
type AccountDirectory interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]*domain.Account, error)
	UpdateAccount(ctx context.Context, accountNumber string, patch domain.AccountPatch) (*domain.Account, error)
	DeleteAccount(ctx context.Context, accountNumber string) error
}

// TransferStore holds transfer records. Records are never deleted.
type TransferStore interface {
	// CreateTransfer returns domain.ErrDuplicateReference if the code exists.
	CreateTransfer(ctx context.Context, t *domain.Transfer) error

	// TransitionTransfer moves a record along the state machine. Returns
	// domain.ErrTransferNotFound or domain.ErrInvalidTransition.
	TransitionTransfer(ctx context.Context, referenceCode string, next domain.TransferStatus, details domain.TransitionDetails) (*domain.Transfer, error)

	GetTransfer(ctx context.Context, referenceCode string) (*domain.Transfer, error)

	// ListTransfersByAccount returns transfers where the account is source
	// or destination, newest first.
	ListTransfersByAccount(ctx context.Context, accountNumber string) ([]*domain.Transfer, error)

	// ListTransfersByStatus returns transfers in the given status, oldest first.
	ListTransfersByStatus(ctx context.Context, status domain.TransferStatus) ([]*domain.Transfer, error)
}

// BalanceChange is a version-conditioned balance write.
type BalanceChange struct {
	AccountNumber   string
	ExpectedVersion int64
	NewBalance      decimal.Decimal
}

// Commit is the unit the engine persists on success: the debit, the credit,
// and the VALIDATED -> COMMITTED transition of the record.
type Commit struct {
	ReferenceCode string
	Debit         BalanceChange
	Credit        BalanceChange
}

// Committer applies a Commit atomically: either all three writes are durable
// or none is. Returns domain.ErrVersionConflict if either account moved, and
// domain.ErrInvalidTransition if the record is no longer VALIDATED.
type Committer interface {
	CommitTransfer(ctx context.Context, c Commit) (*domain.Transfer, error)
}

// Store is everything the transfer engine consumes.
type Store interface {
	AccountStore
	TransferStore
	Committer
}
