package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfenske/marketledger/internal/idgen"
)

// MockProvider is an in-process provider for demo mode and tests. It
// succeeds by default; tests inject failures with FailPayoutsWith or
// force a status with RespondPayoutsWith.
type MockProvider struct {
	payments     map[string]*VerifyResult
	payouts      map[string]*PayoutResult // reference → result, for idempotent replays
	payoutErr    error
	payoutStatus PayoutStatus
	mu           sync.Mutex
}

// NewMockProvider creates a mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		payments: make(map[string]*VerifyResult),
		payouts:  make(map[string]*PayoutResult),
	}
}

// FailPayoutsWith makes every subsequent ExecutePayout return err.
// Pass nil to restore success.
func (m *MockProvider) FailPayoutsWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payoutErr = err
}

// RespondPayoutsWith makes every subsequent ExecutePayout report status.
// Pass the zero value to restore the default success response.
func (m *MockProvider) RespondPayoutsWith(status PayoutStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payoutStatus = status
}

func (m *MockProvider) InitializePayment(_ context.Context, in InitializeParams) (*InitializeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[in.Reference] = &VerifyResult{
		Status:           PaymentSuccess,
		GatewayReference: idgen.WithPrefix("mockpay_"),
		Amount:           in.Amount,
		Currency:         in.Currency,
	}
	return &InitializeResult{
		CheckoutURL: "https://checkout.invalid/" + in.Reference,
		Reference:   in.Reference,
	}, nil
}

func (m *MockProvider) VerifyPayment(_ context.Context, reference string) (*VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.payments[reference]
	if !ok {
		return nil, fmt.Errorf("unknown payment reference %s", reference)
	}
	cp := *res
	return &cp, nil
}

func (m *MockProvider) ExecutePayout(_ context.Context, in PayoutParams) (*PayoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.payoutErr != nil {
		return nil, m.payoutErr
	}
	if prior, ok := m.payouts[in.Reference]; ok {
		cp := *prior
		return &cp, nil
	}

	status := m.payoutStatus
	if status == "" {
		status = PayoutSuccess
	}
	res := &PayoutResult{
		PayoutID:          idgen.WithPrefix("mockpo_"),
		Status:            status,
		ProviderReference: idgen.WithPrefix("mockref_"),
		RawResponse:       `{"status":"` + string(status) + `"}`,
	}
	m.payouts[in.Reference] = res
	cp := *res
	return &cp, nil
}

// PayoutCount reports how many distinct payouts were executed. Test helper.
func (m *MockProvider) PayoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payouts)
}
