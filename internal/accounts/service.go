// Package accounts implements account management: creation, lookup, profile
// updates and deletion. Balances are only ever changed by the transfer engine.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/shopspring/decimal"
)

// ErrInvalidAccount is returned for malformed account data.
var ErrInvalidAccount = errors.New("invalid account data")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// CreateRequest carries the fields supplied when opening an account.
type CreateRequest struct {
	HolderName     string          `json:"holder_name" binding:"required"`
	Email          string          `json:"email" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// Service manages accounts in an AccountDirectory.
type Service struct {
	dir    store.AccountDirectory
	node   *snowflake.Node
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates an account service. nodeID must be unique per running
// instance so generated account numbers never collide.
func NewService(dir store.AccountDirectory, nodeID int64, logger *slog.Logger) (*Service, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dir:    dir,
		node:   node,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}, nil
}

// Create opens an active account with a generated number.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Account, error) {
	req.HolderName = strings.TrimSpace(req.HolderName)
	req.Email = strings.TrimSpace(req.Email)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	if req.HolderName == "" {
		return nil, fmt.Errorf("%w: holder name is required", ErrInvalidAccount)
	}
	if err := validateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	if req.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance must not be negative", domain.ErrInvalidAmount)
	}
	if !domain.FitsMoneyScale(req.InitialBalance) {
		return nil, fmt.Errorf("%w: initial balance has more than %d decimal places", domain.ErrInvalidAmount, domain.MoneyScale)
	}

	now := s.now()
	acc := &domain.Account{
		AccountNumber: "ACC" + s.node.Generate().String(),
		HolderName:    req.HolderName,
		Email:         req.Email,
		Balance:       req.InitialBalance,
		Currency:      req.Currency,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.dir.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "account created",
		"account_number", acc.AccountNumber,
		"currency", acc.Currency)
	return acc, nil
}

func (s *Service) Get(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return s.dir.GetAccount(ctx, accountNumber)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.dir.GetAccountByEmail(ctx, strings.TrimSpace(email))
}

func (s *Service) List(ctx context.Context) ([]*domain.Account, error) {
	return s.dir.ListAccounts(ctx)
}

// Update applies a partial profile change. Balance cannot be patched.
func (s *Service) Update(ctx context.Context, accountNumber string, patch domain.AccountPatch) (*domain.Account, error) {
	if patch.HolderName != nil {
		name := strings.TrimSpace(*patch.HolderName)
		if name == "" {
			return nil, fmt.Errorf("%w: holder name must not be empty", ErrInvalidAccount)
		}
		patch.HolderName = &name
	}
	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		patch.Email = &email
	}
	if patch.Currency != nil {
		currency := strings.ToUpper(strings.TrimSpace(*patch.Currency))
		if err := validateCurrency(currency); err != nil {
			return nil, err
		}
		patch.Currency = &currency
	}

	acc, err := s.dir.UpdateAccount(ctx, accountNumber, patch)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "account updated",
		"account_number", accountNumber,
		"version", acc.Version)
	return acc, nil
}

func (s *Service) Delete(ctx context.Context, accountNumber string) error {
	if err := s.dir.DeleteAccount(ctx, accountNumber); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "account deleted", "account_number", accountNumber)
	return nil
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: malformed email %q", ErrInvalidAccount, email)
	}
	return nil
}

func validateCurrency(currency string) error {
	if !currencyPattern.MatchString(currency) {
		return fmt.Errorf("%w: currency must be a 3-letter code, got %q", ErrInvalidAccount, currency)
	}
	return nil
}
