package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps balances in the credit_balances table and journals every
// change in credit_entries. Open the database with sqlitedb.Open.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int64, error) {
	return balanceOf(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceOf(ctx context.Context, q queryer, userID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Debit runs the conditional update inside a transaction so the journal entry
// and the balance change commit together.
func (s *SQLiteStore) Debit(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = balance - ?, updated_at = ?
			WHERE user_id = ? AND balance >= ?`,
		amount, now(), userID, amount)
	if err != nil {
		return 0, false, fmt.Errorf("debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("debit rows: %w", err)
	}

	balance, err := balanceOf(ctx, tx, userID)
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return balance, false, nil
	}

	if err := journal(ctx, tx, userID, EntryReserve, -amount); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit debit: %w", err)
	}
	return balance, true, nil
}

func (s *SQLiteStore) Credit(ctx context.Context, userID string, amount int64, kind EntryKind) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := credit(ctx, tx, userID, amount)
	if err != nil {
		return 0, err
	}
	if err := journal(ctx, tx, userID, kind, amount); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) CreditOnce(ctx context.Context, userID, transactionID string, amount int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO credit_entries (user_id, kind, amount, transaction_id, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(transaction_id) DO NOTHING`,
		userID, string(EntryPayment), amount, transactionID, now())
	if err != nil {
		return 0, false, fmt.Errorf("record payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("record payment rows: %w", err)
	}
	if n == 0 {
		balance, err := balanceOf(ctx, tx, userID)
		return balance, false, err
	}

	balance, err := credit(ctx, tx, userID, amount)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit payment: %w", err)
	}
	return balance, true, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func credit(ctx context.Context, tx *sql.Tx, userID string, amount int64) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, balance, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				balance = balance + excluded.balance,
				updated_at = excluded.updated_at`,
		userID, amount, now())
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	return balanceOf(ctx, tx, userID)
}

func journal(ctx context.Context, tx *sql.Tx, userID string, kind EntryKind, amount int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_entries (user_id, kind, amount, created_at)
			VALUES (?, ?, ?, ?)`,
		userID, string(kind), amount, now())
	if err != nil {
		return fmt.Errorf("journal %s: %w", kind, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
