package finance

import (
	"context"
	"sort"
	"sync"
)

// MemoryTransactionStore keeps transactions in memory for demo mode and tests.
type MemoryTransactionStore struct {
	byID map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryTransactionStore creates an in-memory transaction store.
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{byID: make(map[string]*Transaction)}
}

func (s *MemoryTransactionStore) Create(_ context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

func (s *MemoryTransactionStore) ByID(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTransactionStore) Update(_ context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[t.ID]; !ok {
		return ErrTransactionNotFound
	}
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

// MemoryRefundStore keeps refund records in memory for demo mode and tests.
type MemoryRefundStore struct {
	records []*RefundRecord
	mu      sync.RWMutex
}

// NewMemoryRefundStore creates an in-memory refund store.
func NewMemoryRefundStore() *MemoryRefundStore {
	return &MemoryRefundStore{}
}

func (s *MemoryRefundStore) Insert(_ context.Context, r *RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryRefundStore) ByTransaction(_ context.Context, transactionID string) ([]*RefundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RefundRecord
	for _, r := range s.records {
		if r.TransactionID == transactionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
