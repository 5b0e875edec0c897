package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType constants
const (
	EventTypeTransferCommitted = "TransferCommitted"
	EventTypeTransferFailed    = "TransferFailed"
)

// Event is the base interface for all transfer events
type Event interface {
	GetType() string
	GetReferenceCode() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TransferCommitted is emitted once both balance changes and the record are durable
type TransferCommitted struct {
	ReferenceCode string          `json:"reference_code"`
	SourceAccount string          `json:"source_account"`
	DestAccount   string          `json:"dest_account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

func (e TransferCommitted) GetType() string          { return EventTypeTransferCommitted }
func (e TransferCommitted) GetReferenceCode() string { return e.ReferenceCode }

// TransferFailed represents a transfer that ended FAILED (e.g., insufficient funds)
type TransferFailed struct {
	ReferenceCode string          `json:"reference_code"`
	SourceAccount string          `json:"source_account"`
	DestAccount   string          `json:"dest_account"`
	Amount        decimal.Decimal `json:"amount"`
	Code          FailureCode     `json:"code"`
	Reason        string          `json:"reason"`
}

func (e TransferFailed) GetType() string          { return EventTypeTransferFailed }
func (e TransferFailed) GetReferenceCode() string { return e.ReferenceCode }

// EventFor returns the event describing a terminal transfer, or nil.
func EventFor(t *Transfer) Event {
	switch t.Status {
	case StatusCommitted:
		return TransferCommitted{
			ReferenceCode: t.ReferenceCode,
			SourceAccount: t.SourceAccount,
			DestAccount:   t.DestAccount,
			Amount:        t.Amount,
			Currency:      t.Currency,
		}
	case StatusFailed:
		return TransferFailed{
			ReferenceCode: t.ReferenceCode,
			SourceAccount: t.SourceAccount,
			DestAccount:   t.DestAccount,
			Amount:        t.Amount,
			Code:          t.FailureCode,
			Reason:        t.FailureReason,
		}
	default:
		return nil
	}
}

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		ID:        uuid.NewString(),
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case EventTypeTransferCommitted:
		var e TransferCommitted
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeTransferFailed:
		var e TransferFailed
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}
}
