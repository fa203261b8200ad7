package balance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/syncutil"
)

// MemoryStore keeps seller balances in memory for demo mode and tests.
type MemoryStore struct {
	byID   map[string]*SellerBalance
	byUser map[string]string // userID → balanceID
	mu     sync.Mutex
	rows   *syncutil.KeyedMutex // per-balance row locks
}

// NewMemoryStore creates an in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*SellerBalance),
		byUser: make(map[string]string),
		rows:   syncutil.NewKeyedMutex(),
	}
}

func (s *MemoryStore) Create(_ context.Context, b *SellerBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUser[b.UserID]; ok {
		return fmt.Errorf("%w: user %s", ErrBalanceExists, b.UserID)
	}
	cp := *b
	s.byID[b.ID] = &cp
	s.byUser[b.UserID] = b.ID
	return nil
}

func (s *MemoryStore) ByID(_ context.Context, id string) (*SellerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *MemoryStore) ByUser(_ context.Context, userID string) (*SellerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	return s.get(id)
}

func (s *MemoryStore) List(_ context.Context) ([]*SellerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*SellerBalance, 0, len(s.byID))
	for _, b := range s.byID {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// WithLockedBalance takes the per-balance row lock, hands fn a copy, and
// writes the copy back only when fn returns nil, mirroring the SELECT FOR
// UPDATE transaction of the PostgreSQL store. A caller whose context is
// cancelled while waiting gives up instead of queueing forever.
func (s *MemoryStore) WithLockedBalance(ctx context.Context, balanceID string, fn func(ctx context.Context, b *SellerBalance) error) error {
	unlock, err := s.rows.Lock(ctx, balanceID)
	if err != nil {
		return fmt.Errorf("failed to lock balance %s: %w", balanceID, err)
	}
	defer unlock()

	s.mu.Lock()
	stored, ok := s.byID[balanceID]
	s.mu.Unlock()
	if !ok {
		return ErrBalanceNotFound
	}

	scratch := *stored
	if err := fn(ctx, &scratch); err != nil {
		return err
	}

	s.mu.Lock()
	*stored = scratch
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) get(id string) (*SellerBalance, error) {
	b, ok := s.byID[id]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

// SetBalances force-sets the live sub-balances, bypassing the ledger.
// Test helper for drift and reconciliation scenarios.
func (s *MemoryStore) SetBalances(balanceID, available, pending string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[balanceID]
	if !ok {
		return false
	}
	b.AvailableBalance = money.MustParse(available)
	b.PendingBalance = money.MustParse(pending)
	return true
}
