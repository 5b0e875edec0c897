package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/nathanyu/funds-transfer/internal/domain"
)

// AccountReader is the read side of the account store the validator needs.
type AccountReader interface {
	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)
}

// Validator checks transfer preconditions against current account state. It
// must be called while the lease over both accounts is held.
type Validator struct {
	accounts AccountReader
}

// NewValidator creates a validator reading from accounts
func NewValidator(accounts AccountReader) *Validator {
	return &Validator{accounts: accounts}
}

// Validate runs the checks in order and stops at the first failure. On
// success it returns the source and destination accounts it read, whose
// versions the commit is conditioned on.
//
// Failures are domain validation errors (see domain.FailureCodeOf). Any other
// error comes from the store and says nothing about the transfer itself.
func (v *Validator) Validate(ctx context.Context, cmd domain.TransferCommand) (src, dst *domain.Account, err error) {
	if cmd.SourceAccount == cmd.DestAccount {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSameAccount, cmd.SourceAccount)
	}

	src, err = v.activeAccount(ctx, domain.SideSource, cmd.SourceAccount)
	if err != nil {
		return nil, nil, err
	}
	dst, err = v.activeAccount(ctx, domain.SideDestination, cmd.DestAccount)
	if err != nil {
		return nil, nil, err
	}

	if !cmd.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: got %s", domain.ErrInvalidAmount, cmd.Amount.String())
	}
	if !domain.FitsMoneyScale(cmd.Amount) {
		return nil, nil, fmt.Errorf("%w: %s has more than %d decimal places",
			domain.ErrInvalidAmount, cmd.Amount.String(), domain.MoneyScale)
	}
	if cmd.Currency != src.Currency {
		return nil, nil, &domain.CurrencyMismatchError{
			Side:             domain.SideSource,
			AccountNumber:    src.AccountNumber,
			AccountCurrency:  src.Currency,
			TransferCurrency: cmd.Currency,
		}
	}
	if cmd.Currency != dst.Currency {
		return nil, nil, &domain.CurrencyMismatchError{
			Side:             domain.SideDestination,
			AccountNumber:    dst.AccountNumber,
			AccountCurrency:  dst.Currency,
			TransferCurrency: cmd.Currency,
		}
	}

	if src.Balance.LessThan(cmd.Amount) {
		return nil, nil, &domain.InsufficientFundsError{
			AccountNumber: src.AccountNumber,
			Available:     src.Balance,
			Requested:     cmd.Amount,
		}
	}

	return src, dst, nil
}

func (v *Validator) activeAccount(ctx context.Context, side domain.Side, number string) (*domain.Account, error) {
	acc, err := v.accounts.GetAccount(ctx, number)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, &domain.AccountError{Side: side, AccountNumber: number, Err: domain.ErrAccountNotFound}
	}
	if err != nil {
		return nil, err
	}
	if !acc.Active {
		return nil, &domain.AccountError{Side: side, AccountNumber: number, Err: domain.ErrAccountInactive}
	}
	return acc, nil
}
