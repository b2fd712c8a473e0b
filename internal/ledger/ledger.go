// Package ledger keeps store credit codes and their balances in Postgres.
// A balance is never stored; it is the sum of the code's entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

const (
	kindIssue  = "ISSUE"
	kindDebit  = "DEBIT"
	kindRefund = "REFUND"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Ledger struct {
	db       DB
	currency string
	now      func() time.Time
}

func NewLedger(db DB, currency string) *Ledger {
	return &Ledger{db: db, currency: currency, now: time.Now}
}

// codeState is a locked code row plus its current balance.
type codeState struct {
	Lock      string
	Currency  string
	ExpiresAt *time.Time
	Balance   int64
}

// checkSpend decides whether req may be debited from c.
func checkSpend(c codeState, req order.SpendRequest, now time.Time) error {
	switch {
	case req.Amount.Amount <= 0:
		return fmt.Errorf("amount must be positive: %w", order.ErrLedgerRejected)
	case c.Lock != req.Lock:
		return fmt.Errorf("lock does not match: %w", order.ErrLedgerRejected)
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return fmt.Errorf("code expired at %s: %w", c.ExpiresAt.Format(time.RFC3339), order.ErrLedgerRejected)
	case req.Amount.Currency != "" && req.Amount.Currency != c.Currency:
		return fmt.Errorf("currency %s does not match %s: %w", req.Amount.Currency, c.Currency, order.ErrLedgerRejected)
	case c.Balance < req.Amount.Amount:
		return fmt.Errorf("balance %d below %d: %w", c.Balance, req.Amount.Amount, order.ErrLedgerRejected)
	}
	return nil
}

func (l *Ledger) ValidateLockAndSpend(ctx context.Context, req order.SpendRequest) (*order.LedgerDebit, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var c codeState
	err = tx.QueryRow(ctx, `SELECT lock, currency, expires_at FROM store_credit_codes WHERE code = $1 FOR UPDATE`, req.Code).
		Scan(&c.Lock, &c.Currency, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger: unknown code %s: %w", req.Code, order.ErrLedgerRejected)
		}
		return nil, fmt.Errorf("ledger: failed to lock code %s: %w", req.Code, err)
	}

	balanceQuery := `
		SELECT COALESCE(SUM(CASE kind WHEN 'DEBIT' THEN -amount ELSE amount END), 0)::BIGINT
		FROM store_credit_entries
		WHERE code = $1
	`
	if err := tx.QueryRow(ctx, balanceQuery, req.Code).Scan(&c.Balance); err != nil {
		return nil, fmt.Errorf("ledger: failed to compute balance of %s: %w", req.Code, err)
	}

	if err := checkSpend(c, req, l.now()); err != nil {
		log.Warn().Ctx(ctx).Err(err).Str("code", req.Code).Str("order_id", req.OrderID).Msg("ledger: spend rejected")
		return nil, fmt.Errorf("ledger: code %s: %w", req.Code, err)
	}

	debitID := ulid.Make().String()
	_, err = tx.Exec(ctx,
		`INSERT INTO store_credit_entries (id, code, kind, amount, order_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		debitID, req.Code, kindDebit, req.Amount.Amount, req.OrderID, l.now())
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to record debit on %s: %w", req.Code, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ledger: failed to commit debit on %s: %w", req.Code, err)
	}

	log.Info().Ctx(ctx).Str("code", req.Code).Str("debit_id", debitID).Int64("amount", req.Amount.Amount).Msg("ledger: store credit spent")
	return &order.LedgerDebit{Code: req.Code, DebitID: debitID, Amount: withCurrency(req.Amount, c.Currency)}, nil
}

// withCurrency fills in currency when m left it empty.
func withCurrency(m order.Money, currency string) order.Money {
	if m.Currency == "" {
		m.Currency = currency
	}
	return m
}

// RefundDebit gives a debit back. Refunding the same debit twice is a
// no-op.
func (l *Ledger) RefundDebit(ctx context.Context, debit order.LedgerDebit) error {
	query := `
		INSERT INTO store_credit_entries (id, code, kind, amount, order_id, debit_id, created_at)
		SELECT $1, code, $2, amount, order_id, id, $3
		FROM store_credit_entries
		WHERE id = $4 AND code = $5 AND kind = $6
	`
	cmdTag, err := l.db.Exec(ctx, query, ulid.Make().String(), kindRefund, l.now(), debit.DebitID, debit.Code, kindDebit)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			log.Info().Ctx(ctx).Str("debit_id", debit.DebitID).Msg("ledger: debit already refunded")
			return nil
		}
		return fmt.Errorf("ledger: failed to refund debit %s: %w", debit.DebitID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: debit %s on %s not found", debit.DebitID, debit.Code)
	}

	log.Info().Ctx(ctx).Str("code", debit.Code).Str("debit_id", debit.DebitID).Msg("ledger: debit refunded")
	return nil
}

// IssueCredit creates a new code holding req.Amount.
func (l *Ledger) IssueCredit(ctx context.Context, req order.IssueCreditRequest) (*order.IssuedCredit, error) {
	if req.Amount.Amount <= 0 {
		return nil, fmt.Errorf("ledger: issue amount must be positive: %w", order.ErrLedgerRejected)
	}
	amount := withCurrency(req.Amount, l.currency)
	code := "SC-" + ulid.Make().String()
	lock := ulid.Make().String()
	now := l.now()

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO store_credit_codes (code, lock, currency, recipient_name, recipient_email, reason, order_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		code, lock, amount.Currency, req.RecipientName, req.RecipientEmail, req.Reason, req.OrderID, req.ExpiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to create code: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO store_credit_entries (id, code, kind, amount, order_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ulid.Make().String(), code, kindIssue, amount.Amount, req.OrderID, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to fund code %s: %w", code, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ledger: failed to commit code %s: %w", code, err)
	}

	log.Info().Ctx(ctx).Str("code", code).Str("order_id", req.OrderID).Int64("amount", amount.Amount).Msg("ledger: store credit issued")
	return &order.IssuedCredit{Code: code, Lock: lock, Amount: amount}, nil
}

// Balance returns the spendable amount left on code.
func (l *Ledger) Balance(ctx context.Context, code string) (order.Money, error) {
	var (
		currency string
		balance  int64
	)
	err := l.db.QueryRow(ctx, `
		SELECT c.currency, COALESCE(SUM(CASE e.kind WHEN 'DEBIT' THEN -e.amount ELSE e.amount END), 0)::BIGINT
		FROM store_credit_codes c
		LEFT JOIN store_credit_entries e ON e.code = c.code
		WHERE c.code = $1
		GROUP BY c.currency`, code).Scan(&currency, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Money{}, fmt.Errorf("ledger: unknown code %s: %w", code, order.ErrLedgerRejected)
		}
		return order.Money{}, fmt.Errorf("ledger: failed to read balance of %s: %w", code, err)
	}
	return order.Money{Amount: balance, Currency: currency}, nil
}
