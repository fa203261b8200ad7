package balance

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
)

type fixture struct {
	svc         *Service
	store       *MemoryStore
	ledgerStore *ledger.MemoryStore
	balanceID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	ledgerStore := ledger.NewMemoryStore()
	svc := NewService(store, ledger.New(ledgerStore, nil, nil), nil)

	b, err := svc.GetOrCreateBalance(context.Background(), "seller-1")
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, ledgerStore: ledgerStore, balanceID: b.ID}
}

func (f *fixture) credit(t *testing.T, amount string) {
	t.Helper()
	require.NoError(t, f.svc.Credit(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse(amount),
		Source:    ledger.SourceEscrowRelease,
	}))
}

func (f *fixture) balance(t *testing.T) *SellerBalance {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), f.balanceID)
	require.NoError(t, err)
	return b
}

func TestGetOrCreateBalance(t *testing.T) {
	f := newFixture(t)

	b := f.balance(t)
	assert.Equal(t, "seller-1", b.UserID)
	assert.Equal(t, DefaultCurrency, b.Currency)
	assert.True(t, b.AvailableBalance.IsZero())
	assert.True(t, b.PendingBalance.IsZero())

	// second call returns the same row
	again, err := f.svc.GetOrCreateBalance(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
}

func TestCreditUpdatesAvailableAndLifetime(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "150.00")
	f.credit(t, "50.00")

	b := f.balance(t)
	assert.Equal(t, "200.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "200.00", money.Format(b.TotalEarned))

	entries, err := f.ledgerStore.List(context.Background(), f.balanceID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.TypeCredit, entries[0].Type)
}

func TestDebitDefaultDrawsAvailable(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "100.00")

	require.NoError(t, f.svc.Debit(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("30.00"),
		Source:    ledger.SourceManualAdjustment,
	}))

	b := f.balance(t)
	assert.Equal(t, "70.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "0.00", money.Format(b.TotalWithdrawn))
}

func TestDebitInsufficientFundsLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "100.00")

	err := f.svc.Debit(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("100.01"),
		Source:    ledger.SourceManualAdjustment,
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	b := f.balance(t)
	assert.Equal(t, "100.00", money.Format(b.AvailableBalance))

	entries, lerr := f.ledgerStore.List(context.Background(), f.balanceID)
	require.NoError(t, lerr)
	assert.Len(t, entries, 1, "failed debit must not append a ledger entry")
}

func TestHoldAndReleaseRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "500.00")

	require.NoError(t, f.svc.HoldFunds(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("200.00"),
		Source:    ledger.SourcePayoutRequested,
		Reference: "payout-1",
	}))

	b := f.balance(t)
	assert.Equal(t, "300.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "200.00", money.Format(b.PendingBalance))
	assert.Equal(t, "500.00", money.Format(b.Total()))

	require.NoError(t, f.svc.ReleaseHeldFunds(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("200.00"),
		Source:    ledger.SourcePayoutRejected,
		Reference: "payout-1",
	}))

	b = f.balance(t)
	assert.Equal(t, "500.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "0.00", money.Format(b.PendingBalance))

	// grand total never moved, so the ledger-derived total still matches
	v, err := f.svc.VerifyBalance(context.Background(), f.balanceID)
	require.NoError(t, err)
	assert.True(t, v.Match)
}

func TestHoldMoreThanAvailableFails(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "100.00")

	err := f.svc.HoldFunds(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("150.00"),
		Source:    ledger.SourcePayoutRequested,
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestReleaseBeyondHeldIsInconsistent(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "500.00")
	require.NoError(t, f.svc.HoldFunds(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("200.00"),
		Source:    ledger.SourcePayoutRequested,
	}))

	err := f.svc.ReleaseHeldFunds(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("300.00"),
		Source:    ledger.SourcePayoutRejected,
	})
	require.ErrorIs(t, err, ErrInconsistentHold)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)

	// nothing moved and no ledger entry was written
	b := f.balance(t)
	assert.Equal(t, "300.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "200.00", money.Format(b.PendingBalance))
	entries, lerr := f.ledgerStore.List(context.Background(), f.balanceID)
	require.NoError(t, lerr)
	assert.Len(t, entries, 2)
}

func TestPayoutCompletedDebitDrawsPending(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "500.00")
	require.NoError(t, f.svc.HoldFunds(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("200.00"),
		Source:    ledger.SourcePayoutRequested,
	}))

	require.NoError(t, f.svc.Debit(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("200.00"),
		Source:    ledger.SourcePayoutCompleted,
	}))

	b := f.balance(t)
	assert.Equal(t, "300.00", money.Format(b.AvailableBalance))
	assert.Equal(t, "0.00", money.Format(b.PendingBalance))
	assert.Equal(t, "200.00", money.Format(b.TotalWithdrawn))
}

func TestMutationsRejectNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Credit(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("0.00"),
		Source:    ledger.SourceEscrowRelease,
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestVerifyBalanceDetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "100.00")

	require.True(t, f.store.SetBalances(f.balanceID, "90.00", "0.00"))

	v, err := f.svc.VerifyBalance(context.Background(), f.balanceID)
	require.NoError(t, err)
	assert.False(t, v.Match)
	assert.Equal(t, "100.00", money.Format(v.LedgerTotal))
	assert.Equal(t, "90.00", money.Format(v.LiveTotal))
	assert.True(t, v.Chain.Valid, "drift is a snapshot problem, not a chain problem")

	// the next mutation hits the corruption guard
	err = f.svc.Credit(context.Background(), MutateParams{
		BalanceID: f.balanceID,
		Amount:    money.MustParse("10.00"),
		Source:    ledger.SourceEscrowRelease,
	})
	assert.ErrorIs(t, err, ledger.ErrLedgerCorrupted)
}

func TestConcurrentCreditsKeepChainConsistent(t *testing.T) {
	f := newFixture(t)

	const workers = 20
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			errs <- f.svc.Credit(context.Background(), MutateParams{
				BalanceID: f.balanceID,
				Amount:    money.MustParse("10.00"),
				Source:    ledger.SourceEscrowRelease,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b := f.balance(t)
	assert.Equal(t, "200.00", money.Format(b.AvailableBalance))

	v, err := f.svc.VerifyBalance(context.Background(), f.balanceID)
	require.NoError(t, err)
	assert.True(t, v.Match)
	assert.Equal(t, 20, v.Chain.Entries)
}
