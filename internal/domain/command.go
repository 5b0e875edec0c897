package domain

import "github.com/shopspring/decimal"

// TransferCommand represents a transfer request from the API
type TransferCommand struct {
	ReferenceCode string          `json:"reference_code"` // Generated by the engine when empty
	SourceAccount string          `json:"source_account"`
	DestAccount   string          `json:"dest_account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Concept       string          `json:"concept"`
}
