package payout

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps payout requests in memory for demo mode and tests.
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewMemoryStore creates an in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Create(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, r *Request, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.requests[r.ID]
	if !ok {
		return ErrPayoutNotFound
	}
	if cur.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleStatus, r.ID, cur.Status, from)
	}
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByBalance(_ context.Context, balanceID string, limit int) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Request
	for _, r := range s.requests {
		if r.SellerBalanceID == balanceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Request
	for _, r := range s.requests {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SumOutstanding(_ context.Context, balanceID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, r := range s.requests {
		if r.SellerBalanceID == balanceID && r.Status.Outstanding() {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}
