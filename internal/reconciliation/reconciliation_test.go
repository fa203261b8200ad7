package reconciliation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payments"
	"github.com/jfenske/marketledger/internal/payout"
)

type fixture struct {
	svc          *Service
	balances     *balance.Service
	balanceStore *balance.MemoryStore
	payouts      *payout.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	led := ledger.New(ledger.NewMemoryStore(), nil, nil)
	balanceStore := balance.NewMemoryStore()
	balances := balance.NewService(balanceStore, led, nil)
	payouts := payout.NewService(payout.NewMemoryStore(), balances, payments.NewMockProvider(), nil, nil)

	return &fixture{
		svc:          NewService(balances, led, payouts, nil),
		balances:     balances,
		balanceStore: balanceStore,
		payouts:      payouts,
	}
}

func (f *fixture) seededBalance(t *testing.T, userID, amount string) *balance.SellerBalance {
	t.Helper()
	b, err := f.balances.GetOrCreateBalance(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, f.balances.Credit(context.Background(), balance.MutateParams{
		BalanceID: b.ID,
		Amount:    money.MustParse(amount),
		Source:    ledger.SourceEscrowRelease,
		Reference: "seed-" + userID,
	}))
	return b
}

func TestReconcileBalanceMatch(t *testing.T) {
	f := newFixture(t)
	b := f.seededBalance(t, "seller-1", "1000.00")

	report, err := f.svc.ReconcileBalance(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusMatch, report.Status)
	assert.Equal(t, StatusMatch, report.Payouts.Status)
	assert.True(t, report.Discrepancy.IsZero())
	assert.Equal(t, "1000.00", money.Format(report.LedgerTotal))
}

func TestReconcileBalanceWithOutstandingPayout(t *testing.T) {
	f := newFixture(t)
	b := f.seededBalance(t, "seller-1", "1000.00")

	_, err := f.payouts.Request(context.Background(), payout.RequestParams{
		UserID:        "seller-1",
		Amount:        money.MustParse("400.00"),
		PaymentMethod: "bank_transfer",
	})
	require.NoError(t, err)

	report, err := f.svc.ReconcileBalance(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusMatch, report.Status)
	assert.Equal(t, "400.00", money.Format(report.Payouts.OutstandingTotal))
	assert.Equal(t, "400.00", money.Format(report.Payouts.PendingBalance))
}

func TestReconcileBalanceDetectsSnapshotDrift(t *testing.T) {
	f := newFixture(t)
	b := f.seededBalance(t, "seller-1", "1000.00")

	require.True(t, f.balanceStore.SetBalances(b.ID, "900.00", "0.00"))

	report, err := f.svc.ReconcileBalance(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusMismatch, report.Status)
	assert.Equal(t, "-100.00", money.Format(report.Discrepancy))
}

func TestReconcileBalanceDetectsPayoutMismatch(t *testing.T) {
	f := newFixture(t)
	b := f.seededBalance(t, "seller-1", "1000.00")

	// pending balance claims held funds but no payout request reserves them
	require.True(t, f.balanceStore.SetBalances(b.ID, "700.00", "300.00"))

	report, err := f.svc.ReconcileBalance(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusMismatch, report.Status)
	assert.Equal(t, StatusMismatch, report.Payouts.Status)
	// grand total still matches the ledger, only the payout check fails
	assert.True(t, report.Discrepancy.IsZero())
}

func TestRunSystemWideCollectsMismatches(t *testing.T) {
	f := newFixture(t)
	f.seededBalance(t, "seller-1", "100.00")
	bad := f.seededBalance(t, "seller-2", "200.00")
	f.seededBalance(t, "seller-3", "300.00")

	require.True(t, f.balanceStore.SetBalances(bad.ID, "150.00", "0.00"))

	report, err := f.svc.RunSystemWide(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, bad.ID, report.Mismatched[0].BalanceID)
	assert.Empty(t, report.Errors)
}
