package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a monetary account. Balance is never negative; Version increases
// by one on every balance or profile change and guards conditional updates.
type Account struct {
	AccountNumber string          `json:"account_number"`
	HolderName    string          `json:"holder_name"`
	Email         string          `json:"email"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Active        bool            `json:"active"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AccountPatch carries the management fields that may change after creation.
// Nil fields are left untouched. Balance is deliberately absent.
type AccountPatch struct {
	HolderName *string `json:"holder_name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Currency   *string `json:"currency,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// Apply copies the non-nil patch fields onto a and reports whether anything changed.
func (p AccountPatch) Apply(a *Account) bool {
	changed := false
	if p.HolderName != nil && *p.HolderName != a.HolderName {
		a.HolderName = *p.HolderName
		changed = true
	}
	if p.Email != nil && *p.Email != a.Email {
		a.Email = *p.Email
		changed = true
	}
	if p.Currency != nil && *p.Currency != a.Currency {
		a.Currency = *p.Currency
		changed = true
	}
	if p.Active != nil && *p.Active != a.Active {
		a.Active = *p.Active
		changed = true
	}
	return changed
}
