// Package automation auto-approves low-risk payout requests under an
// hourly risk budget. Every candidate's seller is reconciled first; a
// seller whose books do not balance never gets an automated approval.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payout"
	"github.com/jfenske/marketledger/internal/reconciliation"
)

// AutoApprover is the system identity recorded on automated approvals.
const AutoApprover = "automation"

// candidateBatchSize bounds how many PENDING payouts one run examines.
const candidateBatchSize = 200

// SkipReason explains why a candidate was not approved.
type SkipReason string

const (
	SkipMismatch       SkipReason = "RECONCILIATION_MISMATCH"
	SkipReconcileError SkipReason = "RECONCILIATION_ERROR"
	SkipApproveError   SkipReason = "APPROVE_ERROR"
)

// Skipped is one candidate the run passed over.
type Skipped struct {
	PayoutID string     `json:"payoutId"`
	Reason   SkipReason `json:"reason"`
	Detail   string     `json:"detail,omitempty"`
}

// Result summarizes one auto-approval run.
type Result struct {
	DryRun     bool      `json:"dryRun"`
	Enabled    bool      `json:"enabled"`
	Candidates int       `json:"candidates"`
	Approved   []string  `json:"approved"`
	Skipped    []Skipped `json:"skipped,omitempty"`
	// Stopped is set when an hourly cap halted the batch: the caps are a
	// platform-wide risk budget, so hitting one stops everything rather
	// than skipping to cheaper candidates.
	Stopped   bool      `json:"stopped"`
	StartedAt time.Time `json:"startedAt"`
}

// Service runs the auto-approval workflow.
type Service struct {
	payouts    *payout.Service
	reconciler *reconciliation.Service
	limiter    *RateLimiter
	threshold  decimal.Decimal
	enabled    atomic.Bool
	logger     *slog.Logger
}

// NewService creates the automation service. threshold is the largest
// amount considered low-risk; larger requests always wait for a human.
func NewService(payouts *payout.Service, reconciler *reconciliation.Service, limiter *RateLimiter, threshold decimal.Decimal, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		payouts:    payouts,
		reconciler: reconciler,
		limiter:    limiter,
		threshold:  threshold,
		logger:     logger,
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled flips the global automation switch.
func (s *Service) SetEnabled(on bool) {
	s.enabled.Store(on)
	s.logger.Info("automation toggled", "enabled", on)
}

// Enabled reports the global automation switch.
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// RunAutoApprove examines PENDING payouts at or below the low-risk
// threshold and approves them while the hourly budget lasts. With dryRun
// set, or while automation is disabled, decisions are logged but nothing
// is approved.
func (s *Service) RunAutoApprove(ctx context.Context, dryRun bool) (*Result, error) {
	result := &Result{
		DryRun:    dryRun,
		Enabled:   s.Enabled(),
		StartedAt: time.Now().UTC(),
	}
	decideOnly := dryRun || !result.Enabled

	pending, err := s.payouts.ListByStatus(ctx, payout.StatusPending, candidateBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payouts: %w", err)
	}

	for _, req := range pending {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if req.Amount.GreaterThan(s.threshold) {
			continue
		}
		result.Candidates++

		report, err := s.reconciler.ReconcileBalance(ctx, req.SellerBalanceID)
		if err != nil {
			result.Skipped = append(result.Skipped, Skipped{
				PayoutID: req.ID, Reason: SkipReconcileError, Detail: err.Error(),
			})
			continue
		}
		if report.Status == reconciliation.StatusMismatch {
			s.logger.Warn("auto-approval skipped: seller books do not balance",
				"payout_id", req.ID, "balance_id", req.SellerBalanceID)
			result.Skipped = append(result.Skipped, Skipped{PayoutID: req.ID, Reason: SkipMismatch})
			continue
		}

		if decideOnly {
			// simulate the budget check without consuming it
			if !s.limiter.WouldAllow(req.Amount) {
				result.Stopped = true
				break
			}
			s.logger.Info("auto-approval decision (not applied)",
				"payout_id", req.ID, "amount", money.Format(req.Amount),
				"dry_run", dryRun, "enabled", result.Enabled)
			result.Approved = append(result.Approved, req.ID)
			continue
		}

		if !s.limiter.Allow(req.Amount) {
			count, volume := s.limiter.Usage()
			s.logger.Warn("auto-approval halted: hourly budget exhausted",
				"approved_this_hour", count, "volume_this_hour", money.Format(volume))
			result.Stopped = true
			break
		}

		if _, err := s.payouts.Approve(ctx, req.ID, AutoApprover); err != nil {
			result.Skipped = append(result.Skipped, Skipped{
				PayoutID: req.ID, Reason: SkipApproveError, Detail: err.Error(),
			})
			continue
		}
		autoApprovals.Inc()
		result.Approved = append(result.Approved, req.ID)
	}

	s.logger.Info("auto-approval run finished",
		"candidates", result.Candidates,
		"approved", len(result.Approved),
		"skipped", len(result.Skipped),
		"stopped", result.Stopped,
		"dry_run", dryRun,
	)
	return result, nil
}
