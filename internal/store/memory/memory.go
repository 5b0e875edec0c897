// Package memory is the in-process store. With a journal attached every
// mutation is appended and synced before it becomes visible, and Open rebuilds
// state by replaying the journal.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/journal"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/shopspring/decimal"
)

var (
	_ store.Store            = (*Store)(nil)
	_ store.AccountDirectory = (*Store)(nil)
)

// Store keeps accounts and transfer records in maps guarded by one RWMutex.
type Store struct {
	accounts  map[string]*domain.Account
	emails    map[string]string   // email -> account number
	transfers map[string]*domain.Transfer
	byAccount map[string][]string // account number -> reference codes, insertion order

	journal *journal.Journal
	now     func() time.Time
	logger  *slog.Logger

	mu sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns an empty, non-durable store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:  make(map[string]*domain.Account),
		emails:    make(map[string]string),
		transfers: make(map[string]*domain.Transfer),
		byAccount: make(map[string][]string),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a store backed by j, replaying every batch already in it.
func Open(j *journal.Journal, opts ...Option) (*Store, error) {
	s := New(opts...)

	batches, err := j.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	for _, b := range batches {
		s.apply(b.Entries...)
	}
	s.journal = j

	s.logger.Info("store restored from journal",
		"batches", len(batches),
		"accounts", len(s.accounts),
		"transfers", len(s.transfers))
	return s, nil
}

// persist appends entries to the journal (if any) and then applies them.
// Caller holds s.mu for writing.
func (s *Store) persist(entries ...journal.Entry) error {
	if s.journal != nil {
		if err := s.journal.Append(entries...); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
	}
	s.apply(entries...)
	return nil
}

// apply mutates the maps. Caller holds s.mu for writing, or has exclusive access.
func (s *Store) apply(entries ...journal.Entry) {
	for _, e := range entries {
		switch e.Kind {
		case journal.KindAccountPut:
			acc := *e.Account
			if prev, ok := s.accounts[acc.AccountNumber]; ok && prev.Email != acc.Email {
				delete(s.emails, prev.Email)
			}
			s.accounts[acc.AccountNumber] = &acc
			if acc.Email != "" {
				s.emails[acc.Email] = acc.AccountNumber
			}
		case journal.KindAccountDelete:
			if prev, ok := s.accounts[e.AccountNumber]; ok {
				delete(s.emails, prev.Email)
				delete(s.accounts, e.AccountNumber)
			}
		case journal.KindTransferPut:
			t := *e.Transfer
			if _, ok := s.transfers[t.ReferenceCode]; !ok {
				s.byAccount[t.SourceAccount] = append(s.byAccount[t.SourceAccount], t.ReferenceCode)
				if t.DestAccount != t.SourceAccount {
					s.byAccount[t.DestAccount] = append(s.byAccount[t.DestAccount], t.ReferenceCode)
				}
			}
			s.transfers[t.ReferenceCode] = &t
		}
	}
}

func accountEntry(a *domain.Account) journal.Entry {
	return journal.Entry{Kind: journal.KindAccountPut, Account: a}
}

func transferEntry(t *domain.Transfer) journal.Entry {
	return journal.Entry{Kind: journal.KindTransferPut, Transfer: t}
}

// --- accounts ---

// CreateAccount stores a new account. Number and email must both be unused.
func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.AccountNumber]; exists {
		return fmt.Errorf("%w: number %s", domain.ErrDuplicateAccount, account.AccountNumber)
	}
	if _, exists := s.emails[account.Email]; exists && account.Email != "" {
		return fmt.Errorf("%w: email %s", domain.ErrDuplicateAccount, account.Email)
	}

	acc := *account
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now()
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = acc.CreatedAt
	}
	if err := s.persist(accountEntry(&acc)); err != nil {
		return err
	}
	*account = acc
	return nil
}

// GetAccount returns a copy of the account.
func (s *Store) GetAccount(_ context.Context, accountNumber string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

// GetAccountByEmail looks an account up by its unique email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	number, ok := s.emails[email]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.GetAccount(ctx, number)
}

// ListAccounts returns every account ordered by number.
func (s *Store) ListAccounts(_ context.Context) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out, nil
}

// UpdateAccount applies patch. The version is bumped only if something changed.
func (s *Store) UpdateAccount(_ context.Context, accountNumber string, patch domain.AccountPatch) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if patch.Email != nil && *patch.Email != acc.Email {
		if _, taken := s.emails[*patch.Email]; taken {
			return nil, fmt.Errorf("%w: email %s", domain.ErrDuplicateAccount, *patch.Email)
		}
	}

	next := *acc
	if !patch.Apply(&next) {
		return &next, nil
	}
	next.Version++
	next.UpdatedAt = s.now()

	if err := s.persist(accountEntry(&next)); err != nil {
		return nil, err
	}
	return &next, nil
}

// DeleteAccount removes an account. Transfer records that mention it remain.
func (s *Store) DeleteAccount(_ context.Context, accountNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountNumber]; !ok {
		return domain.ErrAccountNotFound
	}
	return s.persist(journal.Entry{Kind: journal.KindAccountDelete, AccountNumber: accountNumber})
}

// ConditionalUpdate sets the balance iff the stored version is expectedVersion.
func (s *Store) ConditionalUpdate(_ context.Context, accountNumber string, expectedVersion int64, newBalance decimal.Decimal) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.balanceChange(store.BalanceChange{
		AccountNumber:   accountNumber,
		ExpectedVersion: expectedVersion,
		NewBalance:      newBalance,
	})
	if err != nil {
		return nil, err
	}
	if err := s.persist(accountEntry(next)); err != nil {
		return nil, err
	}
	cp := *next
	return &cp, nil
}

// balanceChange checks c against current state and returns the next account
// image without applying it. Caller holds s.mu.
func (s *Store) balanceChange(c store.BalanceChange) (*domain.Account, error) {
	acc, ok := s.accounts[c.AccountNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if acc.Version != c.ExpectedVersion {
		return nil, fmt.Errorf("%w: account %s at version %d, expected %d",
			domain.ErrVersionConflict, c.AccountNumber, acc.Version, c.ExpectedVersion)
	}
	if c.NewBalance.IsNegative() {
		return nil, fmt.Errorf("%w: account %s", domain.ErrInsufficientFunds, c.AccountNumber)
	}
	next := *acc
	next.Balance = c.NewBalance
	next.Version++
	next.UpdatedAt = s.now()
	return &next, nil
}

// --- transfers ---

// CreateTransfer stores a new INITIATED record.
func (s *Store) CreateTransfer(_ context.Context, t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ReferenceCode]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, t.ReferenceCode)
	}
	cp := *t
	return s.persist(transferEntry(&cp))
}

// TransitionTransfer moves a record to next if the state machine allows it.
func (s *Store) TransitionTransfer(_ context.Context, referenceCode string, next domain.TransferStatus, details domain.TransitionDetails) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.transition(referenceCode, next, details)
	if err != nil {
		return nil, err
	}
	if err := s.persist(transferEntry(updated)); err != nil {
		return nil, err
	}
	cp := *updated
	return &cp, nil
}

// transition returns the next record image. Caller holds s.mu.
func (s *Store) transition(referenceCode string, next domain.TransferStatus, details domain.TransitionDetails) (*domain.Transfer, error) {
	t, ok := s.transfers[referenceCode]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	if !t.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, next)
	}
	updated := *t
	updated.Status = next
	updated.UpdatedAt = s.now()
	if next == domain.StatusFailed {
		updated.FailureCode = details.FailureCode
		updated.FailureReason = details.FailureReason
		updated.AvailableBalance = details.AvailableBalance
	}
	return &updated, nil
}

// CommitTransfer applies the debit, the credit and the COMMITTED transition
// as one journal batch. Nothing is written if any check fails.
func (s *Store) CommitTransfer(_ context.Context, c store.Commit) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[c.ReferenceCode]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	if t.Status != domain.StatusValidated {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, domain.StatusCommitted)
	}

	debit, err := s.balanceChange(c.Debit)
	if err != nil {
		return nil, err
	}
	credit, err := s.balanceChange(c.Credit)
	if err != nil {
		return nil, err
	}
	committed, err := s.transition(c.ReferenceCode, domain.StatusCommitted, domain.TransitionDetails{})
	if err != nil {
		return nil, err
	}

	if err := s.persist(accountEntry(debit), accountEntry(credit), transferEntry(committed)); err != nil {
		return nil, err
	}
	cp := *committed
	return &cp, nil
}

// GetTransfer returns a copy of the record.
func (s *Store) GetTransfer(_ context.Context, referenceCode string) (*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[referenceCode]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTransfersByAccount returns the account's transfers, newest first.
func (s *Store) ListTransfersByAccount(_ context.Context, accountNumber string) ([]*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := s.byAccount[accountNumber]
	out := make([]*domain.Transfer, 0, len(codes))
	for i := len(codes) - 1; i >= 0; i-- {
		cp := *s.transfers[codes[i]]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListTransfersByStatus returns transfers in status, oldest first.
func (s *Store) ListTransfersByStatus(_ context.Context, status domain.TransferStatus) ([]*domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transfer
	for _, t := range s.transfers {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ReferenceCode < out[j].ReferenceCode
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
