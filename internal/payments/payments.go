// Package payments defines the payment provider contract the financial
// core consumes, plus the Stripe-backed and mock implementations.
//
// The core never talks to a provider SDK directly: payout processing goes
// through Provider so adapter failures surface as ordinary errors the
// payout state machine can record as failure reasons.
package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrPayoutRejected      = errors.New("payment provider rejected payout")
)

// PaymentStatus is the provider-side state of a buyer payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSuccess   PaymentStatus = "SUCCESS"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// InitializeParams starts a checkout for a buyer payment.
type InitializeParams struct {
	Amount     decimal.Decimal
	Currency   string
	PayerEmail string
	PayerName  string
	Reference  string
}

// InitializeResult is the provider's checkout handle.
type InitializeResult struct {
	CheckoutURL string
	Reference   string
}

// VerifyResult is the provider's view of a payment.
type VerifyResult struct {
	Status           PaymentStatus
	GatewayReference string
	Amount           decimal.Decimal
	Currency         string
}

// PayoutStatus is the provider-side state of a payout, normalized from
// whatever raw strings the provider speaks.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutSuccess   PayoutStatus = "SUCCESS"
	PayoutFailed    PayoutStatus = "FAILED"
	PayoutCancelled PayoutStatus = "CANCELLED"
)

// PayoutParams disburses funds to a seller's external account.
type PayoutParams struct {
	Amount           decimal.Decimal
	Currency         string
	RecipientDetails map[string]string
	Reference        string
}

// PayoutResult is the provider's acknowledgement of a payout. Status is
// normalized; RawResponse keeps the provider's own wording for operators.
type PayoutResult struct {
	PayoutID          string
	Status            PayoutStatus
	ProviderReference string
	RawResponse       string
}

// Provider is the payment rail adapter contract.
type Provider interface {
	InitializePayment(ctx context.Context, p InitializeParams) (*InitializeResult, error)
	VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error)
	ExecutePayout(ctx context.Context, p PayoutParams) (*PayoutResult, error)
}
