// Package cqrs keeps a read-only view of account activity built from transfer
// events. It is eventually consistent with the store and never consulted by
// the engine.
package cqrs

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
	"github.com/shopspring/decimal"
)

// Activity summarises the transfers an account took part in.
type Activity struct {
	AccountNumber string          `json:"account_number"`
	SentCount     int             `json:"sent_count"`
	SentTotal     decimal.Decimal `json:"sent_total"`
	ReceivedCount int             `json:"received_count"`
	ReceivedTotal decimal.Decimal `json:"received_total"`
	FailedCount   int             `json:"failed_count"`
	LastReference string          `json:"last_reference,omitempty"`
}

// Net is received minus sent.
func (a Activity) Net() decimal.Decimal {
	return a.ReceivedTotal.Sub(a.SentTotal)
}

// DefaultDedupWindow is how many recent events the read model remembers to
// drop redeliveries.
const DefaultDedupWindow = 10000

// ReadModel provides a read-only view of account activity (CQRS pattern)
type ReadModel struct {
	activity map[string]*Activity
	// Recently applied events, oldest evicted first; the bus may redeliver
	seen      map[string]struct{}
	seenOrder []string
	seenNext  int
	mu        sync.RWMutex

	natsConn     *nats.Conn
	subscription *nats.Subscription
	logger       *slog.Logger

	stopOnce sync.Once
}

// NewReadModel creates a read model. natsConn may be nil when events are fed
// through HandleEventDirect only.
func NewReadModel(natsConn *nats.Conn, logger *slog.Logger) *ReadModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadModel{
		activity:  make(map[string]*Activity),
		seen:      make(map[string]struct{}, DefaultDedupWindow),
		seenOrder: make([]string, DefaultDedupWindow),
		natsConn:  natsConn,
		logger:    logger,
	}
}

// Start subscribes to the event stream
func (r *ReadModel) Start(eventSubject string) error {
	sub, err := r.natsConn.Subscribe(eventSubject, r.handleEvent)
	if err != nil {
		return err
	}

	r.subscription = sub
	r.logger.Info("read model started", "subject", eventSubject)
	return nil
}

// Stop gracefully stops the read model
func (r *ReadModel) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.subscription != nil {
			err = r.subscription.Unsubscribe()
		}
	})
	return err
}

// handleEvent processes events from NATS
func (r *ReadModel) handleEvent(msg *nats.Msg) {
	telemetry.NATSMessagesReceived.WithLabelValues(msg.Subject).Inc()

	event, err := domain.DeserializeEvent(msg.Data)
	if err != nil {
		r.logger.Warn("failed to deserialize event in read model", "error", err)
		return
	}

	r.mu.Lock()
	r.applyEvent(event)
	r.mu.Unlock()
}

// HandleEventDirect processes an event directly (for direct engine integration)
func (r *ReadModel) HandleEventDirect(_ context.Context, event domain.Event) {
	r.mu.Lock()
	r.applyEvent(event)
	r.mu.Unlock()
}

// applyEvent updates the read model based on an event
// This method is NOT thread-safe; caller must hold the lock
func (r *ReadModel) applyEvent(event domain.Event) {
	if !r.remember(event.GetType() + "/" + event.GetReferenceCode()) {
		return
	}

	switch ev := event.(type) {
	case domain.TransferCommitted:
		src := r.entry(ev.SourceAccount)
		src.SentCount++
		src.SentTotal = src.SentTotal.Add(ev.Amount)
		src.LastReference = ev.ReferenceCode

		dst := r.entry(ev.DestAccount)
		dst.ReceivedCount++
		dst.ReceivedTotal = dst.ReceivedTotal.Add(ev.Amount)
		dst.LastReference = ev.ReferenceCode
	case domain.TransferFailed:
		src := r.entry(ev.SourceAccount)
		src.FailedCount++
		src.LastReference = ev.ReferenceCode
	}
}

// remember records key and reports whether it was new. Once the window is
// full the oldest key is forgotten. Caller holds the lock.
func (r *ReadModel) remember(key string) bool {
	if _, dup := r.seen[key]; dup {
		return false
	}
	if old := r.seenOrder[r.seenNext]; old != "" {
		delete(r.seen, old)
	}
	r.seenOrder[r.seenNext] = key
	r.seenNext = (r.seenNext + 1) % len(r.seenOrder)
	r.seen[key] = struct{}{}
	return true
}

func (r *ReadModel) entry(account string) *Activity {
	a, ok := r.activity[account]
	if !ok {
		a = &Activity{AccountNumber: account}
		r.activity[account] = a
	}
	return a
}

// GetActivity returns a copy of the account's activity
func (r *ReadModel) GetActivity(account string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.activity[account]
	if !exists {
		return Activity{AccountNumber: account}, false
	}
	return *a, true
}

// GetAllActivity returns a copy of every account's activity, ordered by account
func (r *ReadModel) GetAllActivity() []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Activity, 0, len(r.activity))
	for _, a := range r.activity {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountNumber < result[j].AccountNumber })
	return result
}

// GetTotalMoved returns the sum of all committed transfer amounts
func (r *ReadModel) GetTotalMoved() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := decimal.Zero
	for _, a := range r.activity {
		total = total.Add(a.SentTotal)
	}
	return total
}
