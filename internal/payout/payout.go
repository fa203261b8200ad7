// Package payout manages seller payout requests and their state machine.
//
// Lifecycle:
//
//	PENDING → APPROVED → PROCESSING → COMPLETED
//	PENDING → REJECTED
//	PROCESSING → FAILED
//
// Requesting a payout immediately holds the funds (available → pending),
// so concurrent requests from the same seller cannot double-spend.
// FAILED is terminal: held funds stay in pending until an operator
// reconciles, because the provider's true state may still be ambiguous.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/audit"
	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/idgen"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/metrics"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payments"
)

var (
	ErrPayoutNotFound = errors.New("payout request not found")
	ErrInvalidStatus  = errors.New("invalid payout status for this operation")
	ErrInvalidAmount  = errors.New("invalid payout amount")
	ErrAlreadyDecided = errors.New("payout already decided by another admin")
	ErrStaleStatus    = errors.New("payout status changed concurrently")
)

// Status is a payout request's position in the state machine.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Outstanding reports whether the request still reserves held funds.
func (s Status) Outstanding() bool {
	switch s {
	case StatusPending, StatusApproved, StatusProcessing:
		return true
	}
	return false
}

// Request is one seller payout request.
type Request struct {
	ID                string            `json:"id"`
	SellerBalanceID   string            `json:"sellerBalanceId"`
	UserID            string            `json:"userId"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentMethod     string            `json:"paymentMethod"`
	PaymentDetails    map[string]string `json:"paymentDetails,omitempty"`
	Status            Status            `json:"status"`
	ApprovedBy        string            `json:"approvedBy,omitempty"`
	RejectionReason   string            `json:"rejectionReason,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
	ProviderReference string            `json:"providerReference,omitempty"`
	ProviderPayoutID  string            `json:"providerPayoutId,omitempty"`
	RequestedAt       time.Time         `json:"requestedAt"`
	ApprovedAt        *time.Time        `json:"approvedAt,omitempty"`
	ProcessingAt      *time.Time        `json:"processingAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	RejectedAt        *time.Time        `json:"rejectedAt,omitempty"`
	FailedAt          *time.Time        `json:"failedAt,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Store persists payout requests. Update is a compare-and-swap: the row
// is written only while its stored status is still from, so two actors
// racing the same transition cannot both win. A lost race surfaces as
// ErrStaleStatus and the caller re-reads.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, r *Request, from Status) error
	ListByBalance(ctx context.Context, balanceID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
	SumOutstanding(ctx context.Context, balanceID string) (decimal.Decimal, error)
}

// Completer finalizes a successful payout: debit the held funds and mark
// the request COMPLETED atomically. Implemented by the orchestration
// service; declared here to avoid an import cycle.
type Completer interface {
	CompletePayout(ctx context.Context, payoutID string, provider *payments.PayoutResult) (*Request, error)
}

// Service drives payout requests through the state machine.
type Service struct {
	store     Store
	balances  *balance.Service
	provider  payments.Provider
	completer Completer
	sink      audit.Logger
	logger    *slog.Logger
}

// NewService creates a payout service. The completer is wired after
// construction because the orchestration service depends on this one.
func NewService(store Store, balances *balance.Service, provider payments.Provider, sink audit.Logger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, balances: balances, provider: provider, sink: sink, logger: logger}
}

// WithCompleter attaches the payout completer. Returns the service for chaining.
func (s *Service) WithCompleter(c Completer) *Service {
	s.completer = c
	return s
}

// RequestParams describes a new payout request.
type RequestParams struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	PaymentDetails map[string]string
}

// Request creates a PENDING payout request and holds the funds. The hold
// runs first: if the seller cannot cover the amount, no request row is
// created at all.
func (s *Service) Request(ctx context.Context, p RequestParams) (*Request, error) {
	if p.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	amount := p.Amount.Round(money.Scale)

	bal, err := s.balances.GetOrCreateBalance(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &Request{
		ID:              idgen.WithPrefix("po_"),
		SellerBalanceID: bal.ID,
		UserID:          p.UserID,
		Amount:          amount,
		Currency:        orDefault(p.Currency, bal.Currency),
		PaymentMethod:   p.PaymentMethod,
		PaymentDetails:  p.PaymentDetails,
		Status:          StatusPending,
		RequestedAt:     now,
		UpdatedAt:       now,
	}

	if err := s.balances.HoldFunds(ctx, balance.MutateParams{
		BalanceID: bal.ID,
		Amount:    amount,
		Source:    ledger.SourcePayoutRequested,
		Reference: req.ID,
	}); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, req); err != nil {
		// compensate: the hold must not outlive a request that never existed
		if relErr := s.balances.ReleaseHeldFunds(ctx, balance.MutateParams{
			BalanceID:      bal.ID,
			Amount:         amount,
			Source:         ledger.SourcePayoutRejected,
			Reference:      req.ID,
			IdempotencyKey: "payout-unwind-" + req.ID,
		}); relErr != nil {
			s.logger.Error("failed to release hold after payout create failure",
				"payout_id", req.ID, "balance_id", bal.ID, "error", relErr)
		}
		return nil, err
	}

	s.emit(ctx, "payout.requested", req, audit.RiskMedium)
	return req, nil
}

// Approve moves PENDING → APPROVED. Idempotent when the same admin
// approves twice; a different admin re-approving is an error.
func (s *Service) Approve(ctx context.Context, payoutID, adminID string) (*Request, error) {
	req, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	if req.Status == StatusApproved {
		if req.ApprovedBy == adminID {
			return req, nil
		}
		return nil, fmt.Errorf("%w: approved by %s", ErrAlreadyDecided, req.ApprovedBy)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, payoutID, req.Status)
	}

	now := time.Now().UTC()
	req.Status = StatusApproved
	req.ApprovedBy = adminID
	req.ApprovedAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req, StatusPending); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// lost the transition race; re-read and re-apply the guards
			return s.Approve(ctx, payoutID, adminID)
		}
		return nil, err
	}

	s.emit(ctx, "payout.approved", req, audit.RiskHigh)
	return req, nil
}

// Reject moves PENDING → REJECTED and releases the held funds. Idempotent
// when already rejected.
func (s *Service) Reject(ctx context.Context, payoutID, adminID, reason string) (*Request, error) {
	req, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	if req.Status == StatusRejected {
		return req, nil
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, payoutID, req.Status)
	}

	now := time.Now().UTC()
	req.Status = StatusRejected
	req.RejectionReason = reason
	req.RejectedAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req, StatusPending); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// another actor decided first; only the CAS winner releases
			return s.Reject(ctx, payoutID, adminID, reason)
		}
		return nil, err
	}

	if err := s.balances.ReleaseHeldFunds(ctx, balance.MutateParams{
		BalanceID:      req.SellerBalanceID,
		Amount:         req.Amount,
		Source:         ledger.SourcePayoutRejected,
		Reference:      req.ID,
		IdempotencyKey: "payout-reject-" + req.ID,
	}); err != nil {
		return nil, fmt.Errorf("payout %s rejected but hold release failed: %w", req.ID, err)
	}

	s.emit(ctx, "payout.rejected", req, audit.RiskHigh)
	return req, nil
}

// Process moves APPROVED → PROCESSING and calls the payment provider.
// Provider success hands off to the completer; a pending provider state
// stores the reference and stays PROCESSING for reconciliation; provider
// failure (including transport errors) marks FAILED with the reason while
// the held funds stay in pending.
func (s *Service) Process(ctx context.Context, payoutID string) (*Request, error) {
	req, err := s.store.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	// idempotent no-op when already past approval
	if req.Status == StatusProcessing || req.Status == StatusCompleted {
		return req, nil
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, payoutID, req.Status)
	}

	now := time.Now().UTC()
	req.Status = StatusProcessing
	req.ProcessingAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req, StatusApproved); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// another worker picked it up; re-read and re-apply the guards
			return s.Process(ctx, payoutID)
		}
		return nil, err
	}

	res, err := s.provider.ExecutePayout(ctx, payments.PayoutParams{
		Amount:           req.Amount,
		Currency:         req.Currency,
		RecipientDetails: req.PaymentDetails,
		Reference:        req.ID,
	})
	if err != nil {
		return s.markFailed(ctx, req, err.Error())
	}

	switch res.Status {
	case payments.PayoutSuccess:
		completed, err := s.completer.CompletePayout(ctx, req.ID, res)
		if err != nil {
			// money did leave the provider; surface loudly, keep PROCESSING
			s.logger.Error("payout completion failed after provider success",
				"payout_id", req.ID, "provider_payout_id", res.PayoutID, "error", err)
			return nil, err
		}
		s.emit(ctx, "payout.completed", completed, audit.RiskCritical)
		return completed, nil
	case payments.PayoutFailed, payments.PayoutCancelled:
		return s.markFailed(ctx, req, "provider reported status "+string(res.Status))
	default:
		// in flight at the provider; reconciliation or a webhook finishes it
		req.ProviderReference = res.ProviderReference
		req.ProviderPayoutID = res.PayoutID
		req.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, req, StatusProcessing); err != nil {
			if errors.Is(err, ErrStaleStatus) {
				// finished elsewhere while the provider call was in flight
				return s.store.Get(ctx, req.ID)
			}
			return nil, err
		}
		return req, nil
	}
}

func (s *Service) markFailed(ctx context.Context, req *Request, reason string) (*Request, error) {
	now := time.Now().UTC()
	req.Status = StatusFailed
	req.FailureReason = reason
	req.FailedAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req, StatusProcessing); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// a concurrent completion beat the failure; trust the stored row
			return s.store.Get(ctx, req.ID)
		}
		return nil, err
	}

	// held funds deliberately stay in pending_balance
	s.logger.Warn("payout failed, funds remain held",
		"payout_id", req.ID, "balance_id", req.SellerBalanceID,
		"amount", money.Format(req.Amount), "reason", reason)
	s.emit(ctx, "payout.failed", req, audit.RiskHigh)
	return req, nil
}

// Get returns one payout request.
func (s *Service) Get(ctx context.Context, payoutID string) (*Request, error) {
	return s.store.Get(ctx, payoutID)
}

// ListByStatus returns requests in a given state, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// ListByBalance returns a seller's requests, newest first.
func (s *Service) ListByBalance(ctx context.Context, balanceID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBalance(ctx, balanceID, limit)
}

// SumOutstanding totals requests still reserving held funds.
func (s *Service) SumOutstanding(ctx context.Context, balanceID string) (decimal.Decimal, error) {
	return s.store.SumOutstanding(ctx, balanceID)
}

func (s *Service) emit(ctx context.Context, action string, req *Request, risk audit.RiskLevel) {
	metrics.PayoutTransitionsTotal.WithLabelValues(string(req.Status)).Inc()
	audit.Emit(ctx, s.sink, s.logger, &audit.Record{
		Action:       action,
		ResourceType: "payout_request",
		ResourceID:   req.ID,
		AfterState: audit.Snapshot(map[string]string{
			"status":     string(req.Status),
			"amount":     money.Format(req.Amount),
			"balance_id": req.SellerBalanceID,
		}),
		RiskLevel: risk,
		Status:    "success",
	})
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
