package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"automation/internal/apperrors"
	"automation/internal/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type storeFactory func(t *testing.T, seed map[string]int64) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(_ *testing.T, seed map[string]int64) Store {
			return NewMemoryStore(seed)
		},
		"sqlite": func(t *testing.T, seed map[string]int64) Store {
			db, err := sqlitedb.Open(t.Context(), filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })

			s := NewSQLiteStore(db)
			for user, balance := range seed {
				_, err := s.Credit(t.Context(), user, balance, EntryTopUp)
				require.NoError(t, err)
			}
			return s
		},
	}
}

func newLedger(t *testing.T, store Store, admins ...string) *Ledger {
	t.Helper()
	l, err := New(Config{Store: store, Privileges: NewStaticPrivileges(admins)})
	require.NoError(t, err)
	return l
}

func TestReserve(t *testing.T) {
	t.Parallel()
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()
			l := newLedger(t, factory(t, map[string]int64{"alice": 10, "bob": 2}))

			res, err := l.Reserve(ctx, "alice", 3)
			require.NoError(t, err)
			assert.Equal(t, int64(3), res.Charged)

			balance, err := l.Balance(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(7), balance)

			_, err = l.Reserve(ctx, "bob", 3)
			require.ErrorIs(t, err, apperrors.ErrInsufficientCredits)

			balance, err = l.Balance(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, int64(2), balance)
		})
	}
}

func TestReserveUnknownUserHasNoCredits(t *testing.T) {
	t.Parallel()
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := newLedger(t, factory(t, nil))

			_, err := l.Reserve(t.Context(), "ghost", 1)
			require.ErrorIs(t, err, apperrors.ErrInsufficientCredits)
		})
	}
}

func TestReservePrivilegedUserIsNotCharged(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	l := newLedger(t, NewMemoryStore(nil), "admin")

	res, err := l.Reserve(ctx, "admin", 500)
	require.NoError(t, err)
	assert.Zero(t, res.Charged)
	assert.Equal(t, int64(500), res.Amount)

	balance, err := l.Balance(ctx, "admin")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestRefundAndTopUp(t *testing.T) {
	t.Parallel()
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()
			l := newLedger(t, factory(t, map[string]int64{"alice": 5}))

			_, err := l.Reserve(ctx, "alice", 5)
			require.NoError(t, err)
			require.NoError(t, l.Refund(ctx, "alice", 5))
			require.NoError(t, l.Refund(ctx, "alice", 0))
			require.NoError(t, l.TopUp(ctx, "alice", 20))

			balance, err := l.Balance(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(25), balance)
		})
	}
}

func TestApplyPaymentIsIdempotentPerTransaction(t *testing.T) {
	t.Parallel()
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := t.Context()
			l := newLedger(t, factory(t, nil))

			applied, err := l.ApplyPayment(ctx, "alice", "trx-1", 50)
			require.NoError(t, err)
			assert.True(t, applied)

			applied, err = l.ApplyPayment(ctx, "alice", "trx-1", 50)
			require.NoError(t, err)
			assert.False(t, applied)

			balance, err := l.Balance(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(50), balance)
		})
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, NewMemoryStore(nil))

	tests := []struct {
		name string
		call func() error
	}{
		{"reserve zero", func() error { _, err := l.Reserve(ctx, "u", 0); return err }},
		{"reserve negative", func() error { _, err := l.Reserve(ctx, "u", -1); return err }},
		{"reserve without user", func() error { _, err := l.Reserve(ctx, "", 1); return err }},
		{"topup negative", func() error { return l.TopUp(ctx, "u", -5) }},
		{"payment without transaction", func() error { _, err := l.ApplyPayment(ctx, "u", "", 5); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tt.call(), apperrors.ErrValidation)
		})
	}
}

// Concurrent reservations that individually fit but jointly do not must not
// over-debit the balance.
func TestConcurrentReserveNeverOverDebits(t *testing.T) {
	t.Parallel()
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			const (
				balance  = 10
				amount   = 3
				attempts = 16
			)
			l := newLedger(t, factory(t, map[string]int64{"alice": balance}))

			var succeeded atomic.Int64
			var g errgroup.Group
			for range attempts {
				g.Go(func() error {
					_, err := l.Reserve(context.Background(), "alice", amount)
					switch {
					case err == nil:
						succeeded.Add(1)
						return nil
					case errors.Is(err, apperrors.ErrInsufficientCredits):
						return nil
					default:
						return err
					}
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, int64(balance/amount), succeeded.Load())
			remaining, err := l.Balance(context.Background(), "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(balance%amount), remaining)
		})
	}
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}
