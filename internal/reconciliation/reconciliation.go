// Package reconciliation cross-checks every seller balance against its
// ledger and its outstanding payouts. It is advisory: reads are plain
// read-committed queries with no locks, and a mismatch raises an alarm
// for operators rather than mutating anything.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payout"
)

// Status is a reconciliation verdict.
type Status string

const (
	StatusMatch    Status = "MATCH"
	StatusMismatch Status = "MISMATCH"
)

// PayoutCheck compares outstanding payout reservations against the
// pending balance.
type PayoutCheck struct {
	OutstandingTotal decimal.Decimal `json:"outstandingTotal"`
	PendingBalance   decimal.Decimal `json:"pendingBalance"`
	Status           Status          `json:"status"`
}

// Report is the outcome of reconciling one balance.
type Report struct {
	BalanceID     string          `json:"balanceId"`
	UserID        string          `json:"userId"`
	LedgerTotal   decimal.Decimal `json:"ledgerTotal"`
	SnapshotTotal decimal.Decimal `json:"snapshotTotal"`
	Discrepancy   decimal.Decimal `json:"discrepancy"`
	Payouts       PayoutCheck     `json:"payouts"`
	Status        Status          `json:"status"`
	CheckedAt     time.Time       `json:"checkedAt"`
}

// SystemReport aggregates a full reconciliation sweep.
type SystemReport struct {
	Checked    int       `json:"checked"`
	Mismatched []*Report `json:"mismatched"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Service runs reconciliation checks.
type Service struct {
	balances *balance.Service
	ledger   *ledger.Service
	payouts  *payout.Service
	logger   *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(balances *balance.Service, led *ledger.Service, payouts *payout.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{balances: balances, ledger: led, payouts: payouts, logger: logger}
}

// ReconcileBalance checks one balance two ways: the ledger-derived total
// against the live snapshot, and the sum of outstanding payout requests
// against the pending balance. MATCH requires both to agree.
func (s *Service) ReconcileBalance(ctx context.Context, balanceID string) (*Report, error) {
	b, err := s.balances.Balance(ctx, balanceID)
	if err != nil {
		return nil, err
	}

	ledgerTotal, err := s.ledger.CalculateBalanceFromLedger(ctx, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute ledger total: %w", err)
	}

	outstanding, err := s.payouts.SumOutstanding(ctx, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum outstanding payouts: %w", err)
	}

	snapshot := b.Total()
	report := &Report{
		BalanceID:     balanceID,
		UserID:        b.UserID,
		LedgerTotal:   ledgerTotal,
		SnapshotTotal: snapshot,
		Discrepancy:   snapshot.Sub(ledgerTotal),
		Payouts: PayoutCheck{
			OutstandingTotal: outstanding,
			PendingBalance:   b.PendingBalance,
			Status:           StatusMatch,
		},
		Status:    StatusMatch,
		CheckedAt: time.Now().UTC(),
	}

	if !outstanding.Equal(b.PendingBalance) {
		report.Payouts.Status = StatusMismatch
	}
	if !report.Discrepancy.IsZero() || report.Payouts.Status == StatusMismatch {
		report.Status = StatusMismatch
		s.logger.Warn("balance reconciliation mismatch",
			"balance_id", balanceID,
			"user_id", b.UserID,
			"ledger_total", money.Format(ledgerTotal),
			"snapshot_total", money.Format(snapshot),
			"outstanding_payouts", money.Format(outstanding),
			"pending_balance", money.Format(b.PendingBalance),
		)
	}
	return report, nil
}

// RunSystemWide reconciles every seller balance. One seller's failure
// never aborts the sweep; errors are collected alongside the mismatches.
func (s *Service) RunSystemWide(ctx context.Context) (*SystemReport, error) {
	started := time.Now().UTC()

	balances, err := s.balances.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	report := &SystemReport{StartedAt: started}
	for _, b := range balances {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		r, err := s.ReconcileBalance(ctx, b.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", b.ID, err))
			continue
		}
		report.Checked++
		if r.Status == StatusMismatch {
			report.Mismatched = append(report.Mismatched, r)
		}
	}
	report.FinishedAt = time.Now().UTC()

	reconcileMismatches.Set(float64(len(report.Mismatched)))
	reconcileDuration.Observe(report.FinishedAt.Sub(started).Seconds())

	s.logger.Info("system-wide reconciliation finished",
		"checked", report.Checked,
		"mismatched", len(report.Mismatched),
		"errors", len(report.Errors),
		"duration", report.FinishedAt.Sub(started).String(),
	)
	return report, nil
}
