// Package finance orchestrates the multi-step business transactions that
// move money: escrow release, refunds, and payout completion. Each
// operation runs inside one database transaction so the commission
// record, balance mutation, ledger entry, and status change commit or
// roll back together.
package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/audit"
	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/commission"
	"github.com/jfenske/marketledger/internal/database"
	"github.com/jfenske/marketledger/internal/events"
	"github.com/jfenske/marketledger/internal/idgen"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/metrics"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payments"
	"github.com/jfenske/marketledger/internal/payout"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotEscrowed         = errors.New("transaction is not escrowed")
	ErrInvalidRefund       = errors.New("invalid refund request")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrInconsistentState   = errors.New("inconsistent financial state")
)

// txTimeout bounds each orchestrated business transaction.
const txTimeout = 15 * time.Second

// Service coordinates commission, balance, ledger, and payout writes.
type Service struct {
	db           database.TxRunner
	transactions TransactionStore
	refunds      RefundStore
	commissions  *commission.Service
	balances     *balance.Service
	ledger       *ledger.Service
	payouts      payout.Store
	publisher    events.Publisher
	sink         audit.Logger
	logger       *slog.Logger
}

// NewService creates the orchestration service.
func NewService(
	db database.TxRunner,
	transactions TransactionStore,
	refunds RefundStore,
	commissions *commission.Service,
	balances *balance.Service,
	led *ledger.Service,
	payouts payout.Store,
	publisher events.Publisher,
	sink audit.Logger,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		db:           db,
		transactions: transactions,
		refunds:      refunds,
		commissions:  commissions,
		balances:     balances,
		ledger:       led,
		payouts:      payouts,
		publisher:    publisher,
		sink:         sink,
		logger:       logger,
	}
}

// ReleaseResult is the outcome of an escrow release.
type ReleaseResult struct {
	Transaction     *Transaction       `json:"transaction"`
	Commission      *commission.Record `json:"commission"`
	NetCredited     decimal.Decimal    `json:"netCredited"`
	AlreadyReleased bool               `json:"alreadyReleased"`
}

// ReleaseEscrow credits the seller with the net amount of an escrowed
// transaction. Idempotent on transaction ID: a replay that finds both the
// commission record and the matching ledger entry returns the prior
// result instead of double-crediting.
func (s *Service) ReleaseEscrow(ctx context.Context, transactionID, performedBy string) (*ReleaseResult, error) {
	var result *ReleaseResult
	err := s.db.InTxWithTimeout(ctx, txTimeout, func(ctx context.Context) error {
		tx, err := s.transactions.ByID(ctx, transactionID)
		if err != nil {
			return err
		}

		bal, err := s.balances.GetOrCreateBalance(ctx, tx.SellerID)
		if err != nil {
			return err
		}

		prior, err := s.priorRelease(ctx, tx, bal.ID)
		if err != nil {
			return err
		}
		if prior != nil {
			result = prior
			return nil
		}

		if tx.Status != TransactionEscrowed {
			return fmt.Errorf("%w: %s is %s", ErrNotEscrowed, transactionID, tx.Status)
		}

		rec, err := s.commissions.CreateRecord(ctx, transactionID, commission.Input{
			GrossAmount:     tx.Amount,
			Currency:        tx.Currency,
			TransactionType: tx.TransactionType,
		})
		if err != nil {
			return err
		}

		tx.Status = TransactionCompleted
		tx.UpdatedAt = time.Now().UTC()
		if err := s.transactions.Update(ctx, tx); err != nil {
			return err
		}

		if err := s.balances.Credit(ctx, balance.MutateParams{
			BalanceID:      bal.ID,
			Amount:         rec.NetAmount,
			Source:         ledger.SourceEscrowRelease,
			Reference:      transactionID,
			IdempotencyKey: "escrow-release-" + transactionID,
		}); err != nil {
			return err
		}

		result = &ReleaseResult{Transaction: tx, Commission: rec, NetCredited: rec.NetAmount}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyReleased {
		metrics.EscrowReleasesTotal.Inc()
		s.publish(ctx, events.Event{
			Type: events.TypeEscrowReleased,
			Key:  result.Transaction.SellerID,
			Payload: map[string]any{
				"transactionId": transactionID,
				"netAmount":     money.Format(result.NetCredited),
				"platformFee":   money.Format(result.Commission.PlatformFee),
			},
		})
		audit.Emit(ctx, s.sink, s.logger, &audit.Record{
			PerformedBy:  performedBy,
			Action:       "escrow.released",
			ResourceType: "transaction",
			ResourceID:   transactionID,
			AfterState:   audit.Snapshot(result),
			RiskLevel:    audit.RiskHigh,
			Status:       "success",
		})
	}
	return result, nil
}

// priorRelease detects a completed earlier release. Both artifacts must
// exist together; finding only one means a previous attempt tore in half,
// which is a hard error rather than something to silently repair.
func (s *Service) priorRelease(ctx context.Context, tx *Transaction, balanceID string) (*ReleaseResult, error) {
	rec, err := s.commissions.RecordByTransaction(ctx, tx.ID)
	if errors.Is(err, commission.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.FindBySourceRef(ctx, balanceID, ledger.SourceEscrowRelease, tx.ID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, fmt.Errorf("%w: commission record exists but ledger entry missing for transaction %s",
			ErrInconsistentState, tx.ID)
	}
	if err != nil {
		return nil, err
	}
	if !entry.Amount.Equal(rec.NetAmount) {
		return nil, fmt.Errorf("%w: ledger entry %s does not match commission net %s for transaction %s",
			ErrInconsistentState, money.Format(entry.Amount), money.Format(rec.NetAmount), tx.ID)
	}

	return &ReleaseResult{
		Transaction:     tx,
		Commission:      rec,
		NetCredited:     rec.NetAmount,
		AlreadyReleased: true,
	}, nil
}

// RefundParams describes a refund to process.
type RefundParams struct {
	TransactionID      string
	Amount             decimal.Decimal // zero means full refund
	Reason             string
	ReversePlatformFee bool
	PerformedBy        string
}

// RefundResult is the outcome of a processed refund.
type RefundResult struct {
	Refund        *RefundRecord   `json:"refund"`
	Transaction   *Transaction    `json:"transaction"`
	SellerDebited decimal.Decimal `json:"sellerDebited"`
}

// ProcessRefund refunds a buyer. The platform fee is reversed only when
// explicitly requested and the refund covers the full original amount.
// If the transaction had already completed (seller was credited), the
// seller is debited for the refund net of any fee reversal.
func (s *Service) ProcessRefund(ctx context.Context, p RefundParams) (*RefundResult, error) {
	var result *RefundResult
	err := s.db.InTxWithTimeout(ctx, txTimeout, func(ctx context.Context) error {
		tx, err := s.transactions.ByID(ctx, p.TransactionID)
		if err != nil {
			return err
		}
		if tx.Status == TransactionRefunded {
			return fmt.Errorf("%w: transaction %s already refunded", ErrInvalidRefund, tx.ID)
		}

		amount := p.Amount
		if amount.IsZero() {
			amount = tx.Amount
		}
		amount = amount.Round(money.Scale)
		if amount.Sign() <= 0 || amount.GreaterThan(tx.Amount) {
			return fmt.Errorf("%w: amount %s out of range for transaction %s",
				ErrInvalidRefund, money.Format(amount), tx.ID)
		}

		feeReversal := decimal.Zero
		fullRefund := amount.Equal(tx.Amount)
		if p.ReversePlatformFee && fullRefund {
			rec, err := s.commissions.RecordByTransaction(ctx, tx.ID)
			if err != nil && !errors.Is(err, commission.ErrRecordNotFound) {
				return err
			}
			if rec != nil {
				feeReversal = rec.PlatformFee
			}
		}

		refund := newRefundRecord(tx.ID, amount, feeReversal, p.Reason)
		if err := s.refunds.Insert(ctx, refund); err != nil {
			return err
		}

		debit := decimal.Zero
		if tx.Status == TransactionCompleted {
			debit = amount.Sub(feeReversal)
			if debit.Sign() > 0 {
				bal, err := s.balances.GetOrCreateBalance(ctx, tx.SellerID)
				if err != nil {
					return err
				}
				if err := s.balances.Debit(ctx, balance.MutateParams{
					BalanceID:      bal.ID,
					Amount:         debit,
					Source:         ledger.SourceRefundIssued,
					Reference:      tx.ID,
					IdempotencyKey: "refund-" + refund.ID,
				}); err != nil {
					return err
				}
			}
		}

		tx.Status = TransactionRefunded
		tx.UpdatedAt = time.Now().UTC()
		if err := s.transactions.Update(ctx, tx); err != nil {
			return err
		}

		result = &RefundResult{Refund: refund, Transaction: tx, SellerDebited: debit}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := "partial"
	if result.Refund.Amount.Equal(result.Transaction.Amount) {
		kind = "full"
	}
	metrics.RefundsTotal.WithLabelValues(kind).Inc()

	s.publish(ctx, events.Event{
		Type: events.TypeRefundIssued,
		Key:  result.Transaction.SellerID,
		Payload: map[string]any{
			"transactionId": p.TransactionID,
			"amount":        money.Format(result.Refund.Amount),
			"feeReversal":   money.Format(result.Refund.FeeReversalAmount),
		},
	})
	audit.Emit(ctx, s.sink, s.logger, &audit.Record{
		PerformedBy:  p.PerformedBy,
		Action:       "refund.processed",
		ResourceType: "transaction",
		ResourceID:   p.TransactionID,
		AfterState:   audit.Snapshot(result),
		RiskLevel:    audit.RiskHigh,
		Status:       "success",
	})
	return result, nil
}

// CompletePayout finalizes a successful payout: debits the held funds
// (incrementing lifetime withdrawals) and marks the request COMPLETED
// with the provider's references. Idempotent: an already-COMPLETED
// request with its matching ledger entry returns as-is.
func (s *Service) CompletePayout(ctx context.Context, payoutID string, provider *payments.PayoutResult) (*payout.Request, error) {
	var completed *payout.Request
	err := s.db.InTxWithTimeout(ctx, txTimeout, func(ctx context.Context) error {
		req, err := s.payouts.Get(ctx, payoutID)
		if err != nil {
			return err
		}

		if req.Status == payout.StatusCompleted {
			if _, err := s.ledger.FindBySourceRef(ctx, req.SellerBalanceID, ledger.SourcePayoutCompleted, payoutID); err != nil {
				if errors.Is(err, ledger.ErrEntryNotFound) {
					return fmt.Errorf("%w: payout %s completed without ledger entry", ErrInconsistentState, payoutID)
				}
				return err
			}
			completed = req
			return nil
		}
		if req.Status != payout.StatusProcessing && req.Status != payout.StatusApproved {
			return fmt.Errorf("%w: payout %s is %s", payout.ErrInvalidStatus, payoutID, req.Status)
		}

		if err := s.balances.Debit(ctx, balance.MutateParams{
			BalanceID:      req.SellerBalanceID,
			Amount:         req.Amount,
			Source:         ledger.SourcePayoutCompleted,
			Reference:      payoutID,
			IdempotencyKey: "payout-complete-" + payoutID,
		}); err != nil {
			return err
		}

		from := req.Status
		now := time.Now().UTC()
		req.Status = payout.StatusCompleted
		req.CompletedAt = &now
		req.UpdatedAt = now
		if provider != nil {
			req.ProviderReference = provider.ProviderReference
			req.ProviderPayoutID = provider.PayoutID
		}
		if err := s.payouts.Update(ctx, req, from); err != nil {
			return err
		}

		completed = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type: events.TypePayoutCompleted,
		Key:  completed.SellerBalanceID,
		Payload: map[string]any{
			"payoutId": payoutID,
			"amount":   money.Format(completed.Amount),
		},
	})
	return completed, nil
}

// TransactionParams describes an escrowed transaction recorded into the core.
type TransactionParams struct {
	ID              string
	BuyerID         string
	SellerID        string
	Amount          decimal.Decimal
	Currency        string
	TransactionType string
}

// RecordEscrowedTransaction registers a transaction whose funds were
// escrowed by the upstream payment flow. The core only stores the slice
// it settles later.
func (s *Service) RecordEscrowedTransaction(ctx context.Context, p TransactionParams) (*Transaction, error) {
	if p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if p.BuyerID == "" || p.SellerID == "" || p.TransactionType == "" {
		return nil, fmt.Errorf("%w: buyer, seller, and transaction type are required", ErrInvalidTransaction)
	}

	id := p.ID
	if id == "" {
		id = idgen.WithPrefix("tx_")
	}
	currency := p.Currency
	if currency == "" {
		currency = balance.DefaultCurrency
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:              id,
		BuyerID:         p.BuyerID,
		SellerID:        p.SellerID,
		Amount:          p.Amount.Round(money.Scale),
		Currency:        currency,
		TransactionType: p.TransactionType,
		Status:          TransactionEscrowed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.logger.Info("escrowed transaction recorded",
		"transaction_id", tx.ID,
		"seller_id", tx.SellerID,
		"amount", money.Format(tx.Amount),
	)
	return tx, nil
}

// Transaction returns one transaction by ID.
func (s *Service) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return s.transactions.ByID(ctx, id)
}

// Refunds returns the refund records for a transaction.
func (s *Service) Refunds(ctx context.Context, transactionID string) ([]*RefundRecord, error) {
	return s.refunds.ByTransaction(ctx, transactionID)
}

// publish delivers a domain event, logging failures instead of
// propagating them: the money already moved.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Error("domain event publish failed", "type", e.Type, "error", err)
	}
}
