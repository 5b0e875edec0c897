// Package postgres is the PostgreSQL-backed store. CommitTransfer runs in one
// database transaction, so the debit, the credit and the record transition
// are committed together or not at all.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

//go:embed schema.sql
var schema string

var dbTracer = otel.Tracer("postgres")

var (
	_ store.Store            = (*Store)(nil)
	_ store.AccountDirectory = (*Store)(nil)
)

const uniqueViolation = "23505"

const accountColumns = `account_number, holder_name, COALESCE(email, ''), balance::text, currency, active, version, created_at, updated_at`

const transferColumns = `reference_code, source_account, dest_account, amount::text, currency, concept, status, failure_code, failure_reason, available_balance::text, created_at, updated_at`

// Store implements store.Store over a pgx pool.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an existing pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool for databaseURL and pings it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// mapError converts driver errors into domain errors. notFound is returned
// for pgx.ErrNoRows.
func mapError(err, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAccount, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

func startSpan(ctx context.Context, op, table string) (context.Context, trace.Span) {
	return dbTracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", op),
			attribute.String("db.sql.table", table),
		))
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc     domain.Account
		balance string
	)
	if err := row.Scan(&acc.AccountNumber, &acc.HolderName, &acc.Email, &balance, &acc.Currency,
		&acc.Active, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("bad balance %q: %w", balance, err)
	}
	acc.Balance = b
	return &acc, nil
}

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t         domain.Transfer
		amount    string
		status    string
		code      string
		available *string
	)
	if err := row.Scan(&t.ReferenceCode, &t.SourceAccount, &t.DestAccount, &amount, &t.Currency, &t.Concept,
		&status, &code, &t.FailureReason, &available, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	t.Amount = a
	if available != nil {
		b, err := decimal.NewFromString(*available)
		if err != nil {
			return nil, fmt.Errorf("bad available balance %q: %w", *available, err)
		}
		t.AvailableBalance = &b
	}
	t.Status = domain.TransferStatus(status)
	t.FailureCode = domain.FailureCode(code)
	return &t, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	ctx, span := startSpan(ctx, "INSERT", "accounts")
	defer span.End()

	row := s.db.QueryRow(ctx, `
		INSERT INTO accounts (account_number, holder_name, email, balance, currency, active, version)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		RETURNING `+accountColumns,
		account.AccountNumber, account.HolderName, nullable(account.Email), account.Balance.String(),
		account.Currency, account.Active, account.Version)
	created, err := scanAccount(row)
	if err != nil {
		span.RecordError(err)
		return mapError(err, domain.ErrAccountNotFound)
	}
	*account = *created
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	ctx, span := startSpan(ctx, "SELECT", "accounts")
	defer span.End()

	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, accountNumber))
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	return acc, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	ctx, span := startSpan(ctx, "SELECT", "accounts")
	defer span.End()

	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	return acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	ctx, span := startSpan(ctx, "SELECT", "accounts")
	defer span.End()

	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_number`)
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, mapError(err, domain.ErrAccountNotFound)
		}
		out = append(out, acc)
	}
	return out, mapError(rows.Err(), domain.ErrAccountNotFound)
}

func (s *Store) UpdateAccount(ctx context.Context, accountNumber string, patch domain.AccountPatch) (*domain.Account, error) {
	ctx, span := startSpan(ctx, "UPDATE", "accounts")
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	defer tx.Rollback(ctx)

	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`, accountNumber))
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	if !patch.Apply(acc) {
		return acc, nil
	}

	updated, err := scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET holder_name = $2, email = $3, currency = $4, active = $5,
		    version = version + 1, updated_at = NOW()
		WHERE account_number = $1
		RETURNING `+accountColumns,
		accountNumber, acc.HolderName, nullable(acc.Email), acc.Currency, acc.Active))
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	return updated, nil
}

func (s *Store) DeleteAccount(ctx context.Context, accountNumber string) error {
	ctx, span := startSpan(ctx, "DELETE", "accounts")
	defer span.End()

	tag, err := s.db.Exec(ctx, `DELETE FROM accounts WHERE account_number = $1`, accountNumber)
	if err != nil {
		return mapError(err, domain.ErrAccountNotFound)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, accountNumber string, expectedVersion int64, newBalance decimal.Decimal) (*domain.Account, error) {
	ctx, span := startSpan(ctx, "UPDATE", "accounts")
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	defer tx.Rollback(ctx)

	acc, err := applyBalanceChange(ctx, tx, store.BalanceChange{
		AccountNumber:   accountNumber,
		ExpectedVersion: expectedVersion,
		NewBalance:      newBalance,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	return acc, nil
}

// applyBalanceChange performs one version-conditioned balance write inside tx.
func applyBalanceChange(ctx context.Context, tx pgx.Tx, c store.BalanceChange) (*domain.Account, error) {
	if c.NewBalance.IsNegative() {
		return nil, fmt.Errorf("%w: account %s", domain.ErrInsufficientFunds, c.AccountNumber)
	}
	acc, err := scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = $3::numeric, version = version + 1, updated_at = NOW()
		WHERE account_number = $1 AND version = $2
		RETURNING `+accountColumns,
		c.AccountNumber, c.ExpectedVersion, c.NewBalance.String()))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}

	// Either the account is gone or its version moved
	var version int64
	err = tx.QueryRow(ctx, `SELECT version FROM accounts WHERE account_number = $1`, c.AccountNumber).Scan(&version)
	if err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}
	return nil, fmt.Errorf("%w: account %s at version %d, expected %d",
		domain.ErrVersionConflict, c.AccountNumber, version, c.ExpectedVersion)
}

// --- transfers ---

func (s *Store) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	ctx, span := startSpan(ctx, "INSERT", "transfers")
	defer span.End()

	_, err := s.db.Exec(ctx, `
		INSERT INTO transfers (reference_code, source_account, dest_account, amount, currency, concept,
		                       status, failure_code, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)`,
		t.ReferenceCode, t.SourceAccount, t.DestAccount, t.Amount.String(), t.Currency, t.Concept,
		string(t.Status), string(t.FailureCode), t.FailureReason, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, t.ReferenceCode)
		}
		span.RecordError(err)
		return mapError(err, domain.ErrTransferNotFound)
	}
	return nil
}

func (s *Store) TransitionTransfer(ctx context.Context, referenceCode string, next domain.TransferStatus, details domain.TransitionDetails) (*domain.Transfer, error) {
	ctx, span := startSpan(ctx, "UPDATE", "transfers")
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	defer tx.Rollback(ctx)

	t, err := transition(ctx, tx, referenceCode, next, details)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	return t, nil
}

// transition locks the record row, checks the state machine and writes next.
func transition(ctx context.Context, tx pgx.Tx, referenceCode string, next domain.TransferStatus, details domain.TransitionDetails) (*domain.Transfer, error) {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM transfers WHERE reference_code = $1 FOR UPDATE`, referenceCode).Scan(&current)
	if err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	if !domain.TransferStatus(current).CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, next)
	}

	var (
		code, reason string
		available    *string
	)
	if next == domain.StatusFailed {
		code, reason = string(details.FailureCode), details.FailureReason
		if details.AvailableBalance != nil {
			available = nullable(details.AvailableBalance.String())
		}
	}
	t, err := scanTransfer(tx.QueryRow(ctx, `
		UPDATE transfers
		SET status = $2, failure_code = $3, failure_reason = $4, available_balance = $5::numeric, updated_at = NOW()
		WHERE reference_code = $1
		RETURNING `+transferColumns,
		referenceCode, string(next), code, reason, available))
	if err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	return t, nil
}

// CommitTransfer locks both account rows in ascending order, applies both
// version-conditioned writes and moves the record to COMMITTED.
func (s *Store) CommitTransfer(ctx context.Context, c store.Commit) (*domain.Transfer, error) {
	ctx, span := startSpan(ctx, "transaction", "transfers")
	span.SetAttributes(attribute.String("transfer.reference_code", c.ReferenceCode))
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	defer tx.Rollback(ctx)

	first, second := c.Debit.AccountNumber, c.Credit.AccountNumber
	if second < first {
		first, second = second, first
	}
	if _, err := tx.Exec(ctx, `
		SELECT 1 FROM accounts WHERE account_number IN ($1, $2)
		ORDER BY account_number FOR UPDATE`, first, second); err != nil {
		return nil, mapError(err, domain.ErrAccountNotFound)
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM transfers WHERE reference_code = $1 FOR UPDATE`, c.ReferenceCode).Scan(&status)
	if err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	if domain.TransferStatus(status) != domain.StatusValidated {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, status, domain.StatusCommitted)
	}

	if _, err := applyBalanceChange(ctx, tx, c.Debit); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if _, err := applyBalanceChange(ctx, tx, c.Credit); err != nil {
		span.RecordError(err)
		return nil, err
	}
	committed, err := transition(ctx, tx, c.ReferenceCode, domain.StatusCommitted, domain.TransitionDetails{})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	return committed, nil
}

func (s *Store) GetTransfer(ctx context.Context, referenceCode string) (*domain.Transfer, error) {
	ctx, span := startSpan(ctx, "SELECT", "transfers")
	defer span.End()

	t, err := scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE reference_code = $1`, referenceCode))
	if err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	return t, nil
}

func (s *Store) ListTransfersByAccount(ctx context.Context, accountNumber string) ([]*domain.Transfer, error) {
	return s.listTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE source_account = $1 OR dest_account = $1
		ORDER BY created_at DESC, reference_code DESC`, accountNumber)
}

func (s *Store) ListTransfersByStatus(ctx context.Context, status domain.TransferStatus) ([]*domain.Transfer, error) {
	return s.listTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = $1
		ORDER BY created_at, reference_code`, string(status))
}

func (s *Store) listTransfers(ctx context.Context, query string, arg string) ([]*domain.Transfer, error) {
	ctx, span := startSpan(ctx, "SELECT", "transfers")
	defer span.End()

	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, mapError(err, domain.ErrTransferNotFound)
	}
	defer rows.Close()

	var out []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, mapError(err, domain.ErrTransferNotFound)
		}
		out = append(out, t)
	}
	return out, mapError(rows.Err(), domain.ErrTransferNotFound)
}
