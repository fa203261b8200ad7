package commission

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps commission records in memory for demo mode and tests.
type MemoryStore struct {
	byTx map[string]*Record
	mu   sync.RWMutex
}

// NewMemoryStore creates an in-memory commission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTx: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTx[r.TransactionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, r.TransactionID)
	}
	cp := *r
	s.byTx[r.TransactionID] = &cp
	return nil
}

func (s *MemoryStore) ByTransaction(_ context.Context, transactionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byTx[transactionID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

// Corrupt mutates a stored record in place. Test helper for VerifyRecord.
func (s *MemoryStore) Corrupt(transactionID string, mutate func(r *Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byTx[transactionID]
	if ok {
		mutate(r)
	}
	return ok
}
