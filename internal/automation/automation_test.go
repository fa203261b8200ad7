package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payments"
	"github.com/jfenske/marketledger/internal/payout"
	"github.com/jfenske/marketledger/internal/reconciliation"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	svc          *Service
	payouts      *payout.Service
	balances     *balance.Service
	balanceStore *balance.MemoryStore
	limiter      *RateLimiter
	clk          *clock
}

// newFixture wires the full memory stack with hourly caps of maxCount
// approvals / maxVolume total.
func newFixture(t *testing.T, maxCount int, maxVolume string) *fixture {
	t.Helper()

	led := ledger.New(ledger.NewMemoryStore(), nil, nil)
	balanceStore := balance.NewMemoryStore()
	balances := balance.NewService(balanceStore, led, nil)
	payouts := payout.NewService(payout.NewMemoryStore(), balances, payments.NewMockProvider(), nil, nil)
	reconciler := reconciliation.NewService(balances, led, payouts, nil)

	clk := &clock{now: time.Date(2025, 6, 2, 10, 15, 0, 0, time.UTC)}
	limiter := NewRateLimiter(maxCount, money.MustParse(maxVolume), clk.Now)
	svc := NewService(payouts, reconciler, limiter, money.MustParse("1000.00"), nil)

	return &fixture{
		svc:          svc,
		payouts:      payouts,
		balances:     balances,
		balanceStore: balanceStore,
		limiter:      limiter,
		clk:          clk,
	}
}

// pendingPayout seeds a seller with funds and files a payout request.
func (f *fixture) pendingPayout(t *testing.T, userID, amount string) *payout.Request {
	t.Helper()

	b, err := f.balances.GetOrCreateBalance(context.Background(), userID)
	require.NoError(t, err)
	require.NoError(t, f.balances.Credit(context.Background(), balance.MutateParams{
		BalanceID: b.ID,
		Amount:    money.MustParse(amount).Mul(money.MustParse("2.00")),
		Source:    ledger.SourceEscrowRelease,
		Reference: "seed-" + userID,
	}))

	req, err := f.payouts.Request(context.Background(), payout.RequestParams{
		UserID:        userID,
		Amount:        money.MustParse(amount),
		PaymentMethod: "bank_transfer",
	})
	require.NoError(t, err)
	return req
}

func TestRunAutoApproveApprovesLowRiskCandidates(t *testing.T) {
	f := newFixture(t, 10, "10000.00")
	req := f.pendingPayout(t, "seller-1", "500.00")
	big := f.pendingPayout(t, "seller-2", "5000.00") // above threshold

	result, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, []string{req.ID}, result.Approved)
	assert.False(t, result.Stopped)

	approved, err := f.payouts.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusApproved, approved.Status)
	assert.Equal(t, AutoApprover, approved.ApprovedBy)

	untouched, err := f.payouts.Get(context.Background(), big.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusPending, untouched.Status)
}

func TestRunAutoApproveSkipsMismatchedSeller(t *testing.T) {
	f := newFixture(t, 10, "10000.00")
	req := f.pendingPayout(t, "seller-1", "500.00")

	// break the seller's books behind the ledger's back
	require.True(t, f.balanceStore.SetBalances(req.SellerBalanceID, "999999.00", "500.00"))

	result, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)

	assert.Empty(t, result.Approved)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, SkipMismatch, result.Skipped[0].Reason)

	still, err := f.payouts.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusPending, still.Status)
}

func TestRunAutoApproveStopsBatchAtCountCap(t *testing.T) {
	f := newFixture(t, 2, "100000.00")
	f.pendingPayout(t, "seller-1", "100.00")
	f.pendingPayout(t, "seller-2", "100.00")
	f.pendingPayout(t, "seller-3", "100.00")

	result, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)

	assert.Len(t, result.Approved, 2)
	assert.True(t, result.Stopped, "hitting the cap stops the whole batch")
}

func TestRunAutoApproveStopsBatchAtVolumeCap(t *testing.T) {
	f := newFixture(t, 100, "700.00")
	f.pendingPayout(t, "seller-1", "400.00")
	f.pendingPayout(t, "seller-2", "400.00")

	result, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)

	assert.Len(t, result.Approved, 1)
	assert.True(t, result.Stopped)
}

func TestRateLimiterResetsAtHourBoundary(t *testing.T) {
	f := newFixture(t, 1, "100000.00")
	f.pendingPayout(t, "seller-1", "100.00")
	f.pendingPayout(t, "seller-2", "100.00")

	first, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, first.Approved, 1)
	assert.True(t, first.Stopped)

	f.clk.Advance(time.Hour)

	second, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, second.Approved, 1, "new hour, new budget")
}

func TestDryRunApprovesNothingAndSpendsNoBudget(t *testing.T) {
	f := newFixture(t, 10, "10000.00")
	req := f.pendingPayout(t, "seller-1", "500.00")

	result, err := f.svc.RunAutoApprove(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, []string{req.ID}, result.Approved, "dry run reports the decision")

	still, err := f.payouts.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusPending, still.Status)

	count, volume := f.limiter.Usage()
	assert.Zero(t, count)
	assert.True(t, volume.IsZero())
}

func TestDisabledAutomationLogsOnly(t *testing.T) {
	f := newFixture(t, 10, "10000.00")
	req := f.pendingPayout(t, "seller-1", "500.00")

	f.svc.SetEnabled(false)

	result, err := f.svc.RunAutoApprove(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Enabled)

	still, err := f.payouts.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusPending, still.Status)
}

func TestRateLimiterWindowIsFixedNotSliding(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 2, 10, 59, 0, 0, time.UTC)}
	limiter := NewRateLimiter(1, money.MustParse("1000.00"), clk.Now)

	assert.True(t, limiter.Allow(money.MustParse("100.00")))
	assert.False(t, limiter.Allow(money.MustParse("100.00")))

	// two minutes later the wall-clock hour has rolled over: the window
	// is anchored to the hour, not to the first approval
	clk.Advance(2 * time.Minute)
	assert.True(t, limiter.Allow(money.MustParse("100.00")))
}
