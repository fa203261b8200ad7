package finance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/commission"
	"github.com/jfenske/marketledger/internal/database"
	"github.com/jfenske/marketledger/internal/events"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payout"
)

type fixture struct {
	svc          *Service
	transactions *MemoryTransactionStore
	refunds      *MemoryRefundStore
	balances     *balance.Service
	balanceStore *balance.MemoryStore
	ledgerStore  *ledger.MemoryStore
	payouts      *payout.MemoryStore
	publisher    *events.MemoryPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledgerStore := ledger.NewMemoryStore()
	led := ledger.New(ledgerStore, nil, nil)
	balanceStore := balance.NewMemoryStore()
	balances := balance.NewService(balanceStore, led, nil)
	transactions := NewMemoryTransactionStore()
	refunds := NewMemoryRefundStore()
	payouts := payout.NewMemoryStore()
	publisher := events.NewMemoryPublisher()

	svc := NewService(database.Passthrough{}, transactions, refunds,
		commission.NewService(commission.NewMemoryStore(), nil),
		balances, led, payouts, publisher, nil, nil)

	return &fixture{
		svc:          svc,
		transactions: transactions,
		refunds:      refunds,
		balances:     balances,
		balanceStore: balanceStore,
		ledgerStore:  ledgerStore,
		payouts:      payouts,
		publisher:    publisher,
	}
}

func (f *fixture) escrowedTransaction(t *testing.T, id, amount string) *Transaction {
	t.Helper()
	now := time.Now().UTC()
	tx := &Transaction{
		ID:              id,
		BuyerID:         "buyer-1",
		SellerID:        "seller-1",
		Amount:          money.MustParse(amount),
		Currency:        "NGN",
		TransactionType: "property",
		Status:          TransactionEscrowed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, f.transactions.Create(context.Background(), tx))
	return tx
}

func (f *fixture) sellerBalance(t *testing.T) *balance.SellerBalance {
	t.Helper()
	b, err := f.balances.BalanceByUser(context.Background(), "seller-1")
	require.NoError(t, err)
	return b
}

func TestReleaseEscrowCreditsNetAmount(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")

	result, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)

	assert.False(t, result.AlreadyReleased)
	assert.Equal(t, TransactionCompleted, result.Transaction.Status)
	assert.Equal(t, "500.00", money.Format(result.Commission.PlatformFee))
	assert.Equal(t, "9400.00", money.Format(result.NetCredited))

	b := f.sellerBalance(t)
	assert.Equal(t, "9400.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "9400.00", money.Format(b.TotalEarned))

	released := f.publisher.ByType(events.TypeEscrowReleased)
	require.Len(t, released, 1)
}

func TestReleaseEscrowIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")

	first, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)

	second, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyReleased)
	assert.True(t, second.NetCredited.Equal(first.NetCredited))

	// exactly one commission record and one credit entry
	b := f.sellerBalance(t)
	assert.Equal(t, "9400.00", money.Format(b.AvailableBalance))
	entries, err := f.ledgerStore.List(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Len(t, f.publisher.ByType(events.TypeEscrowReleased), 1, "replay must not re-publish")
}

func TestReleaseEscrowRequiresEscrowedStatus(t *testing.T) {
	f := newFixture(t)
	tx := f.escrowedTransaction(t, "tx-1", "10000.00")
	tx.Status = TransactionRefunded
	require.NoError(t, f.transactions.Update(context.Background(), tx))

	_, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	assert.ErrorIs(t, err, ErrNotEscrowed)
}

func TestReleaseEscrowUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReleaseEscrow(context.Background(), "tx-missing", "admin-1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestProcessRefundFullWithFeeReversal(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")
	_, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)

	result, err := f.svc.ProcessRefund(context.Background(), RefundParams{
		TransactionID:      "tx-1",
		Reason:             "buyer complaint upheld",
		ReversePlatformFee: true,
		PerformedBy:        "admin-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "10000.00", money.Format(result.Refund.Amount))
	assert.True(t, result.Refund.PlatformFeeReversed)
	assert.Equal(t, "500.00", money.Format(result.Refund.FeeReversalAmount))
	// seller gives back the refund minus the reversed platform fee
	assert.Equal(t, "9500.00", money.Format(result.SellerDebited))
	assert.Equal(t, TransactionRefunded, result.Transaction.Status)
}

func TestProcessRefundPartialNoFeeReversal(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")
	_, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)

	result, err := f.svc.ProcessRefund(context.Background(), RefundParams{
		TransactionID:      "tx-1",
		Amount:             money.MustParse("2000.00"),
		Reason:             "partial credit",
		ReversePlatformFee: true, // requested but refund is partial, so no reversal
	})
	require.NoError(t, err)

	assert.False(t, result.Refund.PlatformFeeReversed)
	assert.Equal(t, "0.00", money.Format(result.Refund.FeeReversalAmount))
	assert.Equal(t, "2000.00", money.Format(result.SellerDebited))

	b := f.sellerBalance(t)
	assert.Equal(t, "7400.00", money.Format(b.AvailableBalance))
}

func TestProcessRefundBeforeReleaseSkipsDebit(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")

	result, err := f.svc.ProcessRefund(context.Background(), RefundParams{
		TransactionID: "tx-1",
		Reason:        "buyer cancelled",
	})
	require.NoError(t, err)

	// funds never reached the seller, so there is nothing to debit
	assert.Equal(t, "0.00", money.Format(result.SellerDebited))
	assert.Equal(t, TransactionRefunded, result.Transaction.Status)
}

func TestProcessRefundRejectsOverRefund(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")

	_, err := f.svc.ProcessRefund(context.Background(), RefundParams{
		TransactionID: "tx-1",
		Amount:        money.MustParse("10000.01"),
		Reason:        "too much",
	})
	assert.ErrorIs(t, err, ErrInvalidRefund)
}

func TestProcessRefundRejectsDoubleRefund(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")
	_, err := f.svc.ProcessRefund(context.Background(), RefundParams{TransactionID: "tx-1", Reason: "first"})
	require.NoError(t, err)

	_, err = f.svc.ProcessRefund(context.Background(), RefundParams{TransactionID: "tx-1", Reason: "second"})
	assert.ErrorIs(t, err, ErrInvalidRefund)
}

func TestCompletePayoutDebitsPendingAndMarksCompleted(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")
	_, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)

	b := f.sellerBalance(t)
	require.NoError(t, f.balances.HoldFunds(context.Background(), balance.MutateParams{
		BalanceID: b.ID,
		Amount:    money.MustParse("4000.00"),
		Source:    ledger.SourcePayoutRequested,
		Reference: "po-1",
	}))

	now := time.Now().UTC()
	require.NoError(t, f.payouts.Create(context.Background(), &payout.Request{
		ID:              "po-1",
		SellerBalanceID: b.ID,
		UserID:          "seller-1",
		Amount:          money.MustParse("4000.00"),
		Currency:        "NGN",
		Status:          payout.StatusProcessing,
		RequestedAt:     now,
		UpdatedAt:       now,
	}))

	completed, err := f.svc.CompletePayout(context.Background(), "po-1", nil)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	b = f.sellerBalance(t)
	assert.Equal(t, "5400.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "0.00", money.Format(b.PendingBalance))
	assert.Equal(t, "4000.00", money.Format(b.TotalWithdrawn))

	// replay returns the completed request without double-debiting
	again, err := f.svc.CompletePayout(context.Background(), "po-1", nil)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusCompleted, again.Status)
	b = f.sellerBalance(t)
	assert.Equal(t, "4000.00", money.Format(b.TotalWithdrawn))
}

func TestCompletePayoutRequiresProcessingOrApproved(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "10000.00")
	_, err := f.svc.ReleaseEscrow(context.Background(), "tx-1", "admin-1")
	require.NoError(t, err)

	b := f.sellerBalance(t)
	now := time.Now().UTC()
	require.NoError(t, f.payouts.Create(context.Background(), &payout.Request{
		ID:              "po-1",
		SellerBalanceID: b.ID,
		UserID:          "seller-1",
		Amount:          money.MustParse("1000.00"),
		Currency:        "NGN",
		Status:          payout.StatusPending,
		RequestedAt:     now,
		UpdatedAt:       now,
	}))

	_, err = f.svc.CompletePayout(context.Background(), "po-1", nil)
	assert.ErrorIs(t, err, payout.ErrInvalidStatus)
}

func TestRefundAmountDefaultsAndZero(t *testing.T) {
	f := newFixture(t)
	f.escrowedTransaction(t, "tx-1", "500.00")

	res, err := f.svc.ProcessRefund(context.Background(), RefundParams{
		TransactionID: "tx-1",
		Amount:        decimal.Zero,
		Reason:        "full by default",
	})
	require.NoError(t, err)
	assert.Equal(t, "500.00", money.Format(res.Refund.Amount))
}
