// Package ledger implements the per-user credit balance used to escrow job costs.
//
// Every balance change for a user runs under that user's lock, so a
// check-then-debit can never interleave with another change for the same
// user regardless of the backing Store. Different users never contend.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"automation/internal/apperrors"
	"automation/internal/observability"
)

// Store persists balances. Implementations need not be safe for concurrent
// changes to the same user; the Ledger serializes those.
type Store interface {
	Balance(ctx context.Context, userID string) (int64, error)
	// Debit subtracts amount only if the balance covers it. ok is false when it does not.
	Debit(ctx context.Context, userID string, amount int64) (balance int64, ok bool, err error)
	Credit(ctx context.Context, userID string, amount int64, kind EntryKind) (int64, error)
	// CreditOnce credits amount unless transactionID was already applied.
	CreditOnce(ctx context.Context, userID, transactionID string, amount int64) (balance int64, applied bool, err error)
	Ping(ctx context.Context) error
}

// EntryKind labels a balance change in the journal.
type EntryKind string

const (
	EntryReserve EntryKind = "reserve"
	EntryRefund  EntryKind = "refund"
	EntryTopUp   EntryKind = "topup"
	EntryPayment EntryKind = "payment"
)

// Reservation records what a Reserve call actually debited.
// Charged is zero for privileged users.
type Reservation struct {
	UserID  string
	Amount  int64
	Charged int64
}

// Config configures a Ledger.
type Config struct {
	Store      Store                  // required
	Privileges Privileges             // optional, nobody is privileged when nil
	Metrics    *observability.Metrics // optional
}

// Ledger is the single source of truth for "can this job run".
type Ledger struct {
	store      Store
	privileges Privileges
	metrics    *observability.Metrics

	locks sync.Map // userID -> *sync.Mutex
}

// New creates a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	privileges := cfg.Privileges
	if privileges == nil {
		privileges = StaticPrivileges(nil)
	}
	return &Ledger{
		store:      cfg.Store,
		privileges: privileges,
		metrics:    cfg.Metrics,
	}, nil
}

func (l *Ledger) lock(userID string) func() {
	mu, _ := l.locks.LoadOrStore(userID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Reserve debits amount from the user's balance if it covers it.
// Privileged users always succeed and are charged nothing.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) (Reservation, error) {
	if err := validate(userID, amount); err != nil {
		return Reservation{}, err
	}
	res := Reservation{UserID: userID, Amount: amount}

	if l.privileges.IsPrivileged(ctx, userID) {
		slog.Debug("Reservation waived for privileged user", "userId", userID, "amount", amount)
		return res, nil
	}

	unlock := l.lock(userID)
	defer unlock()

	balance, ok, err := l.store.Debit(ctx, userID, amount)
	if err != nil {
		return Reservation{}, apperrors.Internal("ledger.reserve", err)
	}
	if !ok {
		return Reservation{}, apperrors.InsufficientCredits(userID, amount, balance)
	}

	res.Charged = amount
	if l.metrics != nil {
		l.metrics.RecordCredits(ctx, string(EntryReserve), amount)
	}
	return res, nil
}

// Refund credits amount back unconditionally. A zero amount is a no-op so
// that refunding a waived reservation needs no special casing.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64) error {
	if amount == 0 {
		return nil
	}
	return l.credit(ctx, userID, amount, EntryRefund)
}

// TopUp credits amount unconditionally.
func (l *Ledger) TopUp(ctx context.Context, userID string, amount int64) error {
	return l.credit(ctx, userID, amount, EntryTopUp)
}

func (l *Ledger) credit(ctx context.Context, userID string, amount int64, kind EntryKind) error {
	if err := validate(userID, amount); err != nil {
		return err
	}

	unlock := l.lock(userID)
	defer unlock()

	if _, err := l.store.Credit(ctx, userID, amount, kind); err != nil {
		return apperrors.Internal("ledger."+string(kind), err)
	}
	if l.metrics != nil {
		l.metrics.RecordCredits(ctx, string(kind), amount)
	}
	return nil
}

// ApplyPayment tops up once per payment transaction id. applied is false when
// the transaction was already credited.
func (l *Ledger) ApplyPayment(ctx context.Context, userID, transactionID string, amount int64) (bool, error) {
	if err := validate(userID, amount); err != nil {
		return false, err
	}
	if transactionID == "" {
		return false, apperrors.Validation("transactionId", "transactionId is required")
	}

	unlock := l.lock(userID)
	defer unlock()

	_, applied, err := l.store.CreditOnce(ctx, userID, transactionID, amount)
	if err != nil {
		return false, apperrors.Internal("ledger.payment", err)
	}
	if applied && l.metrics != nil {
		l.metrics.RecordCredits(ctx, string(EntryPayment), amount)
	}
	return applied, nil
}

// Balance returns the user's current balance. Unknown users have zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, apperrors.Validation("userId", "userId is required")
	}
	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return 0, apperrors.Internal("ledger.balance", err)
	}
	return balance, nil
}

// IsPrivileged reports whether the user bypasses reservation.
func (l *Ledger) IsPrivileged(ctx context.Context, userID string) bool {
	return l.privileges.IsPrivileged(ctx, userID)
}

// Ready reports whether the backing store is reachable.
func (l *Ledger) Ready(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func validate(userID string, amount int64) error {
	if userID == "" {
		return apperrors.Validation("userId", "userId is required")
	}
	if amount <= 0 {
		return apperrors.Validation("amount", "amount must be positive")
	}
	return nil
}
