// Package balance owns the seller balance row and every mutation of it.
//
// Flow:
//  1. Escrow release credits the seller's available balance
//  2. A payout request holds funds: available → pending
//  3. Rejection releases the hold; completion debits pending
//  4. Every mutation appends a hash-chained ledger entry first
//
// All mutations run under WithLockedBalance so the ledger append and the
// row update commit or roll back together.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/idgen"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
)

var (
	ErrBalanceNotFound   = errors.New("seller balance not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrBalanceExists     = errors.New("seller balance already exists")

	// ErrInconsistentHold means a release asked for more than is held.
	// Holds are only ever released by the flow that placed them, so this
	// is corrupted state, not a retryable domain failure.
	ErrInconsistentHold = errors.New("hold release exceeds pending balance")
)

// DefaultCurrency is applied when a balance is created without one.
const DefaultCurrency = "NGN"

// SellerBalance is a seller's money position. AvailableBalance is
// spendable; PendingBalance is held for in-flight payouts. TotalEarned and
// TotalWithdrawn are lifetime counters and never decrease.
type SellerBalance struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	PendingBalance   decimal.Decimal `json:"pendingBalance"`
	TotalEarned      decimal.Decimal `json:"totalEarned"`
	TotalWithdrawn   decimal.Decimal `json:"totalWithdrawn"`
	Currency         string          `json:"currency"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Total is the grand total the ledger chain tracks.
func (b *SellerBalance) Total() decimal.Decimal {
	return b.AvailableBalance.Add(b.PendingBalance)
}

// Store persists seller balances. WithLockedBalance runs fn with the row
// exclusively locked; fn's mutations to b are persisted only when fn
// returns nil, and discarded on error.
type Store interface {
	Create(ctx context.Context, b *SellerBalance) error
	ByID(ctx context.Context, id string) (*SellerBalance, error)
	ByUser(ctx context.Context, userID string) (*SellerBalance, error)
	List(ctx context.Context) ([]*SellerBalance, error)
	WithLockedBalance(ctx context.Context, balanceID string, fn func(ctx context.Context, b *SellerBalance) error) error
}

// MutationRecorder observes applied mutations, for metrics.
type MutationRecorder interface {
	RecordMutation(entryType, source string, amount decimal.Decimal)
}

// MutateParams describes one balance mutation.
type MutateParams struct {
	BalanceID      string
	Amount         decimal.Decimal
	Source         ledger.Source
	Reference      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Service mutates seller balances with ledger entries attached.
type Service struct {
	store    Store
	ledger   *ledger.Service
	recorder MutationRecorder
	logger   *slog.Logger
}

// NewService creates a balance service.
func NewService(store Store, led *ledger.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: led, logger: logger}
}

// WithRecorder attaches a mutation recorder. Returns the service for chaining.
func (s *Service) WithRecorder(rec MutationRecorder) *Service {
	s.recorder = rec
	return s
}

// GetOrCreateBalance returns the seller's balance, creating a zeroed one
// on first contact.
func (s *Service) GetOrCreateBalance(ctx context.Context, userID string) (*SellerBalance, error) {
	b, err := s.store.ByUser(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	b = &SellerBalance{
		ID:               idgen.WithPrefix("bal_"),
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		PendingBalance:   decimal.Zero,
		TotalEarned:      decimal.Zero,
		TotalWithdrawn:   decimal.Zero,
		Currency:         DefaultCurrency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		if errors.Is(err, ErrBalanceExists) {
			// lost a creation race; the winner's row is fine
			return s.store.ByUser(ctx, userID)
		}
		return nil, err
	}
	return b, nil
}

// Balance returns a balance by ID.
func (s *Service) Balance(ctx context.Context, balanceID string) (*SellerBalance, error) {
	return s.store.ByID(ctx, balanceID)
}

// BalanceByUser returns a balance by seller user ID.
func (s *Service) BalanceByUser(ctx context.Context, userID string) (*SellerBalance, error) {
	return s.store.ByUser(ctx, userID)
}

// ListBalances returns every seller balance.
func (s *Service) ListBalances(ctx context.Context) ([]*SellerBalance, error) {
	return s.store.List(ctx)
}

// Credit adds to the available balance and the lifetime earned counter.
func (s *Service) Credit(ctx context.Context, p MutateParams) error {
	return s.mutate(ctx, ledger.TypeCredit, p, func(b *SellerBalance) error {
		b.AvailableBalance = b.AvailableBalance.Add(p.Amount)
		b.TotalEarned = b.TotalEarned.Add(p.Amount)
		return nil
	})
}

// Debit removes money from the balance. A PAYOUT_COMPLETED debit draws
// the pending balance (the funds were held when the payout was requested)
// and counts toward lifetime withdrawals; every other debit draws the
// available balance.
func (s *Service) Debit(ctx context.Context, p MutateParams) error {
	return s.mutate(ctx, ledger.TypeDebit, p, func(b *SellerBalance) error {
		if p.Source == ledger.SourcePayoutCompleted {
			if b.PendingBalance.LessThan(p.Amount) {
				return fmt.Errorf("%w: pending %s, debit %s",
					ErrInsufficientFunds, money.Format(b.PendingBalance), money.Format(p.Amount))
			}
			b.PendingBalance = b.PendingBalance.Sub(p.Amount)
			b.TotalWithdrawn = b.TotalWithdrawn.Add(p.Amount)
			return nil
		}
		if b.AvailableBalance.LessThan(p.Amount) {
			return fmt.Errorf("%w: available %s, debit %s",
				ErrInsufficientFunds, money.Format(b.AvailableBalance), money.Format(p.Amount))
		}
		b.AvailableBalance = b.AvailableBalance.Sub(p.Amount)
		return nil
	})
}

// HoldFunds moves money from available to pending. The grand total is
// unchanged, so the ledger entry is zero-sum.
func (s *Service) HoldFunds(ctx context.Context, p MutateParams) error {
	return s.mutate(ctx, ledger.TypeHold, p, func(b *SellerBalance) error {
		if b.AvailableBalance.LessThan(p.Amount) {
			return fmt.Errorf("%w: available %s, hold %s",
				ErrInsufficientFunds, money.Format(b.AvailableBalance), money.Format(p.Amount))
		}
		b.AvailableBalance = b.AvailableBalance.Sub(p.Amount)
		b.PendingBalance = b.PendingBalance.Add(p.Amount)
		return nil
	})
}

// ReleaseHeldFunds moves money back from pending to available.
func (s *Service) ReleaseHeldFunds(ctx context.Context, p MutateParams) error {
	return s.mutate(ctx, ledger.TypeReleaseHold, p, func(b *SellerBalance) error {
		if b.PendingBalance.LessThan(p.Amount) {
			return fmt.Errorf("%w: pending %s, release %s",
				ErrInconsistentHold, money.Format(b.PendingBalance), money.Format(p.Amount))
		}
		b.PendingBalance = b.PendingBalance.Sub(p.Amount)
		b.AvailableBalance = b.AvailableBalance.Add(p.Amount)
		return nil
	})
}

// mutate locks the balance row, runs the sufficient-funds check, appends
// the ledger entry, and applies the field changes. Order matters: the
// check and the ledger append can fail; once they pass, the in-memory
// apply cannot, so a failure never leaves a dangling ledger entry.
func (s *Service) mutate(ctx context.Context, t ledger.EntryType, p MutateParams, apply func(b *SellerBalance) error) error {
	if p.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	amount := p.Amount.Round(money.Scale)
	p.Amount = amount

	err := s.store.WithLockedBalance(ctx, p.BalanceID, func(ctx context.Context, b *SellerBalance) error {
		snapshot := b.Total()

		// Run the funds check by applying to a scratch copy first, so an
		// insufficient-funds failure never reaches the ledger.
		scratch := *b
		if err := apply(&scratch); err != nil {
			return err
		}

		if _, err := s.ledger.CreateEntry(ctx, ledger.Params{
			BalanceID:      p.BalanceID,
			Type:           t,
			Source:         p.Source,
			Amount:         amount,
			SnapshotTotal:  snapshot,
			Reference:      p.Reference,
			IdempotencyKey: p.IdempotencyKey,
			Metadata:       p.Metadata,
		}); err != nil {
			return err
		}

		*b = scratch
		b.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	if s.recorder != nil {
		s.recorder.RecordMutation(string(t), string(p.Source), amount)
	}
	s.logger.Info("balance mutated",
		"balance_id", p.BalanceID,
		"type", string(t),
		"source", string(p.Source),
		"amount", money.Format(amount),
	)
	return nil
}

// Verification is the result of checking one balance against its ledger.
type Verification struct {
	BalanceID   string                  `json:"balanceId"`
	Chain       *ledger.IntegrityReport `json:"chain"`
	LedgerTotal decimal.Decimal         `json:"ledgerTotal"`
	LiveTotal   decimal.Decimal         `json:"liveTotal"`
	Match       bool                    `json:"match"`
}

// VerifyBalance replays the hash chain and compares the ledger-derived
// total against the live snapshot.
func (s *Service) VerifyBalance(ctx context.Context, balanceID string) (*Verification, error) {
	b, err := s.store.ByID(ctx, balanceID)
	if err != nil {
		return nil, err
	}

	report, err := s.ledger.VerifyChainIntegrity(ctx, balanceID)
	if err != nil {
		return nil, err
	}
	total, err := s.ledger.CalculateBalanceFromLedger(ctx, balanceID)
	if err != nil {
		return nil, err
	}

	live := b.Total()
	return &Verification{
		BalanceID:   balanceID,
		Chain:       report,
		LedgerTotal: total,
		LiveTotal:   live,
		Match:       report.Valid && total.Equal(live),
	}, nil
}
