package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps balances in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]struct{}
}

// NewMemoryStore returns an empty store, optionally seeded with balances.
func NewMemoryStore(seed map[string]int64) *MemoryStore {
	balances := make(map[string]int64, len(seed))
	for user, balance := range seed {
		balances[user] = balance
	}
	return &MemoryStore{
		balances: balances,
		applied:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *MemoryStore) Debit(_ context.Context, userID string, amount int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balances[userID]
	if balance < amount {
		return balance, false, nil
	}
	s.balances[userID] = balance - amount
	return balance - amount, true, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID string, amount int64, _ EntryKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	return s.balances[userID], nil
}

func (s *MemoryStore) CreditOnce(_ context.Context, userID, transactionID string, amount int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.applied[transactionID]; seen {
		return s.balances[userID], false, nil
	}
	s.applied[transactionID] = struct{}{}
	s.balances[userID] += amount
	return s.balances[userID], true, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
