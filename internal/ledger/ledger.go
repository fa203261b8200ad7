// Package ledger maintains the append-only, hash-chained record of every
// balance-affecting event on the platform.
//
// Flow:
//  1. A balance mutation locks the seller's balance row
//  2. CreateEntry chains a new entry to the previous entry's hash
//  3. The running total in the chain must match the live snapshot
//  4. VerifyChainIntegrity replays the chain to detect tampering
//
// Entries are immutable once written. Corrections are new entries.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/audit"
	"github.com/jfenske/marketledger/internal/money"
)

var (
	ErrInvalidAmount       = errors.New("invalid entry amount")
	ErrLedgerCorrupted     = errors.New("ledger corruption detected")
	ErrIdempotencyConflict = errors.New("idempotency key already used")
	ErrEntryNotFound       = errors.New("ledger entry not found")
)

// GenesisHash is the previous_hash sentinel for the first entry of a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EntryType classifies how an entry moves money.
type EntryType string

const (
	TypeCredit      EntryType = "CREDIT"       // adds to the grand total
	TypeDebit       EntryType = "DEBIT"        // subtracts from the grand total
	TypeHold        EntryType = "HOLD"         // available → pending, total unchanged
	TypeReleaseHold EntryType = "RELEASE_HOLD" // pending → available, total unchanged
)

// Source records the business reason behind an entry.
type Source string

const (
	SourceEscrowRelease    Source = "ESCROW_RELEASE"
	SourceRefundIssued     Source = "REFUND_ISSUED"
	SourcePayoutRequested  Source = "PAYOUT_REQUESTED"
	SourcePayoutRejected   Source = "PAYOUT_REJECTED"
	SourcePayoutCompleted  Source = "PAYOUT_COMPLETED"
	SourceManualAdjustment Source = "MANUAL_ADJUSTMENT"
)

// Entry is one immutable ledger record. The running total tracked by
// BalanceBefore/BalanceAfter is the grand total (available + pending):
// CREDIT adds to it, DEBIT subtracts from it, HOLD and RELEASE_HOLD leave
// it unchanged because they only move money between sub-balances.
type Entry struct {
	ID             string            `json:"id"`
	BalanceID      string            `json:"balanceId"`
	Sequence       int64             `json:"sequence"`
	Type           EntryType         `json:"type"`
	Source         Source            `json:"source"`
	Amount         decimal.Decimal   `json:"amount"`
	BalanceBefore  decimal.Decimal   `json:"balanceBefore"`
	BalanceAfter   decimal.Decimal   `json:"balanceAfter"`
	PreviousHash   string            `json:"previousHash"`
	Hash           string            `json:"hash"`
	Reference      string            `json:"reference,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Store persists ledger entries.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Last(ctx context.Context, balanceID string) (*Entry, error) // nil when the chain is empty
	List(ctx context.Context, balanceID string) ([]*Entry, error)
	History(ctx context.Context, balanceID string, limit int, beforeSeq int64) ([]*Entry, error)
	Sum(ctx context.Context, balanceID string) (decimal.Decimal, error)
	FindBySourceRef(ctx context.Context, balanceID string, source Source, reference string) (*Entry, error)
}

// Params describes a new ledger entry.
type Params struct {
	BalanceID string
	Type      EntryType
	Source    Source
	Amount    decimal.Decimal

	// SnapshotTotal is the live available+pending total read under the
	// caller's row lock, before the mutation this entry records.
	SnapshotTotal decimal.Decimal

	Reference      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Service appends and verifies ledger entries.
type Service struct {
	store  Store
	sink   audit.Logger
	logger *slog.Logger
}

// New creates a ledger service.
func New(store Store, sink audit.Logger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, sink: sink, logger: logger}
}

// CreateEntry appends a hash-chained entry. It must run inside the same
// transaction that holds the balance row lock: the snapshot comparison
// against the previous entry is only meaningful under that lock.
func (s *Service) CreateEntry(ctx context.Context, p Params) (*Entry, error) {
	if p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	last, err := s.store.Last(ctx, p.BalanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last ledger entry: %w", err)
	}

	var (
		sequence int64 = 1
		prevHash       = GenesisHash
		before         = decimal.Zero
	)
	if last != nil {
		sequence = last.Sequence + 1
		prevHash = last.Hash
		before = last.BalanceAfter
	}

	// Corruption guard: the live snapshot must equal the chain's running
	// total. Any drift means the balance row and the ledger disagree, and
	// appending on top of that would compound the damage.
	if !p.SnapshotTotal.Equal(before) {
		return nil, fmt.Errorf("%w: balance %s snapshot %s does not match ledger total %s after sequence %d",
			ErrLedgerCorrupted, p.BalanceID, money.Format(p.SnapshotTotal), money.Format(before), sequence-1)
	}

	after, err := applyType(before, p.Type, p.Amount)
	if err != nil {
		return nil, err
	}
	if after.IsNegative() {
		return nil, fmt.Errorf("%w: balance %s would go negative at sequence %d",
			ErrLedgerCorrupted, p.BalanceID, sequence)
	}

	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}

	entry := &Entry{
		ID:             uuid.NewString(),
		BalanceID:      p.BalanceID,
		Sequence:       sequence,
		Type:           p.Type,
		Source:         p.Source,
		Amount:         p.Amount.Round(money.Scale),
		BalanceBefore:  before,
		BalanceAfter:   after,
		PreviousHash:   prevHash,
		Hash:           computeHash(prevHash, p.Type, p.Source, p.Amount, after, sequence, p.BalanceID),
		Reference:      p.Reference,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.sink, s.logger, &audit.Record{
		Action:       "ledger.entry.created",
		ResourceType: "seller_balance",
		ResourceID:   p.BalanceID,
		BeforeState:  audit.Snapshot(map[string]string{"total": money.Format(before)}),
		AfterState: audit.Snapshot(map[string]string{
			"total":    money.Format(after),
			"type":     string(p.Type),
			"source":   string(p.Source),
			"amount":   money.Format(p.Amount),
			"sequence": strconv.FormatInt(sequence, 10),
		}),
		RiskLevel: audit.RiskMedium,
		Status:    "success",
	})

	return entry, nil
}

// IntegrityReport is the outcome of a chain verification pass.
type IntegrityReport struct {
	BalanceID      string `json:"balanceId"`
	Valid          bool   `json:"valid"`
	Entries        int    `json:"entries"`
	BrokenSequence int64  `json:"brokenSequence,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyChainIntegrity replays the full chain for a balance, recomputing
// every sequence number, hash link, and running total from scratch. Stored
// hash and balance fields are treated as claims to be checked, so direct
// database edits are caught, not just application bugs.
func (s *Service) VerifyChainIntegrity(ctx context.Context, balanceID string) (*IntegrityReport, error) {
	entries, err := s.store.List(ctx, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}

	report := &IntegrityReport{BalanceID: balanceID, Valid: true, Entries: len(entries)}

	running := decimal.Zero
	prevHash := GenesisHash
	for i, e := range entries {
		wantSeq := int64(i + 1)
		if e.Sequence != wantSeq {
			return report.broken(wantSeq, fmt.Sprintf("sequence %d, expected %d", e.Sequence, wantSeq)), nil
		}
		if e.PreviousHash != prevHash {
			return report.broken(wantSeq, "previous hash does not match prior entry"), nil
		}
		if !e.BalanceBefore.Equal(running) {
			return report.broken(wantSeq, fmt.Sprintf("balance before %s, expected %s",
				money.Format(e.BalanceBefore), money.Format(running))), nil
		}
		after, err := applyType(running, e.Type, e.Amount)
		if err != nil {
			return report.broken(wantSeq, "unknown entry type "+string(e.Type)), nil
		}
		if !e.BalanceAfter.Equal(after) {
			return report.broken(wantSeq, fmt.Sprintf("balance after %s, expected %s",
				money.Format(e.BalanceAfter), money.Format(after))), nil
		}
		want := computeHash(prevHash, e.Type, e.Source, e.Amount, after, wantSeq, balanceID)
		if e.Hash != want {
			return report.broken(wantSeq, "entry hash does not match recomputed hash"), nil
		}
		running = after
		prevHash = want
	}

	return report, nil
}

func (r *IntegrityReport) broken(seq int64, reason string) *IntegrityReport {
	r.Valid = false
	r.BrokenSequence = seq
	r.Reason = reason
	return r
}

// CalculateBalanceFromLedger recomputes a balance purely from history:
// the sum of CREDIT amounts minus DEBIT amounts. HOLD and RELEASE_HOLD
// entries are excluded because they are zero-sum transfers between
// sub-balances.
func (s *Service) CalculateBalanceFromLedger(ctx context.Context, balanceID string) (decimal.Decimal, error) {
	return s.store.Sum(ctx, balanceID)
}

// History returns entries for a balance, newest first. beforeSeq below 1
// means "from the latest".
func (s *Service) History(ctx context.Context, balanceID string, limit int, beforeSeq int64) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, balanceID, limit, beforeSeq)
}

// FindBySourceRef looks up an entry by business source and reference.
// Orchestration uses this for idempotent replay detection.
func (s *Service) FindBySourceRef(ctx context.Context, balanceID string, source Source, reference string) (*Entry, error) {
	return s.store.FindBySourceRef(ctx, balanceID, source, reference)
}

// applyType computes the grand total after an entry of the given type.
func applyType(before decimal.Decimal, t EntryType, amount decimal.Decimal) (decimal.Decimal, error) {
	switch t {
	case TypeCredit:
		return before.Add(amount), nil
	case TypeDebit:
		return before.Sub(amount), nil
	case TypeHold, TypeReleaseHold:
		return before, nil
	default:
		return decimal.Zero, fmt.Errorf("unknown entry type %q", t)
	}
}

// computeHash derives the tamper-evident hash over the canonical field
// concatenation. Amounts are rendered at fixed scale so the digest is
// stable across storage round-trips.
func computeHash(prevHash string, t EntryType, src Source, amount, after decimal.Decimal, sequence int64, balanceID string) string {
	payload := strings.Join([]string{
		prevHash,
		string(t),
		string(src),
		money.Format(amount),
		money.Format(after),
		strconv.FormatInt(sequence, 10),
		balanceID,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
