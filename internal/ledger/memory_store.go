package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps ledger entries in memory for demo mode and tests.
type MemoryStore struct {
	chains map[string][]*Entry // balanceID → entries in sequence order
	idem   map[string]struct{} // balanceID+"\x00"+key
	mu     sync.RWMutex
}

// NewMemoryStore creates an in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Entry),
		idem:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[e.BalanceID]
	if want := int64(len(chain)) + 1; e.Sequence != want {
		return fmt.Errorf("%w: concurrent append at sequence %d", ErrLedgerCorrupted, e.Sequence)
	}
	if e.IdempotencyKey != "" {
		key := e.BalanceID + "\x00" + e.IdempotencyKey
		if _, ok := s.idem[key]; ok {
			return fmt.Errorf("%w: %s", ErrIdempotencyConflict, e.IdempotencyKey)
		}
		s.idem[key] = struct{}{}
	}

	cp := *e
	s.chains[e.BalanceID] = append(chain, &cp)
	return nil
}

func (s *MemoryStore) Last(_ context.Context, balanceID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[balanceID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, balanceID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[balanceID]
	out := make([]*Entry, len(chain))
	for i, e := range chain {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, balanceID string, limit int, beforeSeq int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	chain := s.chains[balanceID]
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		e := chain[i]
		if beforeSeq >= 1 && e.Sequence >= beforeSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Sum(_ context.Context, balanceID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, e := range s.chains[balanceID] {
		switch e.Type {
		case TypeCredit:
			total = total.Add(e.Amount)
		case TypeDebit:
			total = total.Sub(e.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) FindBySourceRef(_ context.Context, balanceID string, source Source, reference string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.chains[balanceID] {
		if e.Source == source && e.Reference == reference {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

// Tamper overwrites a stored entry in place. Test helper for integrity
// verification; never used by production code.
func (s *MemoryStore) Tamper(balanceID string, sequence int64, mutate func(e *Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.chains[balanceID] {
		if e.Sequence == sequence {
			mutate(e)
			return true
		}
	}
	return false
}
