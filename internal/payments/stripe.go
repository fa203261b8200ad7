package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/jfenske/marketledger/internal/circuitbreaker"
	"github.com/jfenske/marketledger/internal/retry"
)

const breakerKey = "stripe"

// StripeProvider implements Provider on the Stripe API. All calls go
// through a circuit breaker so a provider outage fails fast instead of
// tying up payout workers on timeouts.
type StripeProvider struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(secretKey string, logger *slog.Logger) *StripeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{
		api:     api,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

func (p *StripeProvider) InitializePayment(ctx context.Context, in InitializeParams) (*InitializeResult, error) {
	if !p.breaker.Allow(breakerKey) {
		return nil, ErrProviderUnavailable
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail:     stripe.String(in.PayerEmail),
		ClientReferenceID: stripe.String(in.Reference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(in.Currency),
				UnitAmount: stripe.Int64(minorUnits(in.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Escrowed marketplace payment"),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("init-" + in.Reference)

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		p.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("failed to initialize stripe checkout: %w", err)
	}
	p.breaker.RecordSuccess(breakerKey)

	return &InitializeResult{CheckoutURL: sess.URL, Reference: sess.ID}, nil
}

func (p *StripeProvider) VerifyPayment(ctx context.Context, reference string) (*VerifyResult, error) {
	if !p.breaker.Allow(breakerKey) {
		return nil, ErrProviderUnavailable
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := p.api.CheckoutSessions.Get(reference, params)
	if err != nil {
		p.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("failed to verify stripe payment: %w", err)
	}
	p.breaker.RecordSuccess(breakerKey)

	res := &VerifyResult{GatewayReference: sess.ID, Currency: string(sess.Currency)}
	res.Amount = decimal.NewFromInt(sess.AmountTotal).Div(decimal.NewFromInt(100))
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		res.Status = PaymentSuccess
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		if sess.Status == stripe.CheckoutSessionStatusExpired {
			res.Status = PaymentCancelled
		} else {
			res.Status = PaymentPending
		}
	default:
		res.Status = PaymentPending
	}
	return res, nil
}

// ExecutePayout disburses to the seller's connected account. Retries are
// safe because the idempotency key is derived from the payout reference,
// so Stripe deduplicates on its side.
func (p *StripeProvider) ExecutePayout(ctx context.Context, in PayoutParams) (*PayoutResult, error) {
	account := in.RecipientDetails["stripe_account_id"]
	if account == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: recipient has no stripe account", ErrPayoutRejected))
	}

	var out *PayoutResult
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		if !p.breaker.Allow(breakerKey) {
			return ErrProviderUnavailable
		}

		params := &stripe.PayoutParams{
			Amount:   stripe.Int64(minorUnits(in.Amount)),
			Currency: stripe.String(in.Currency),
		}
		params.Context = ctx
		params.SetStripeAccount(account)
		params.IdempotencyKey = stripe.String("payout-" + in.Reference)

		po, err := p.api.Payouts.New(params)
		if err != nil {
			p.breaker.RecordFailure(breakerKey)
			if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrPayoutRejected, stripeErr.Msg))
			}
			return fmt.Errorf("failed to execute stripe payout: %w", err)
		}
		p.breaker.RecordSuccess(breakerKey)

		out = &PayoutResult{
			PayoutID:          po.ID,
			Status:            payoutStatusFromStripe(po.Status),
			ProviderReference: po.ID,
			RawResponse:       po.ID + ":" + string(po.Status),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func payoutStatusFromStripe(s stripe.PayoutStatus) PayoutStatus {
	switch s {
	case stripe.PayoutStatusPaid:
		return PayoutSuccess
	case stripe.PayoutStatusFailed:
		return PayoutFailed
	case stripe.PayoutStatusCanceled:
		return PayoutCancelled
	default: // pending, in_transit
		return PayoutPending
	}
}

// minorUnits converts a decimal major-unit amount to the integer minor
// units Stripe expects.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
