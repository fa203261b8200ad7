// Package events publishes financial domain events for downstream
// consumers (notifications, analytics, search indexing). Publishing is
// best-effort: the financial transaction never rolls back because an
// event could not be delivered.
package events

import (
	"context"
	"time"
)

// Event types emitted by the financial core.
const (
	TypeEscrowReleased  = "escrow.released"
	TypeRefundIssued    = "refund.issued"
	TypePayoutRequested = "payout.requested"
	TypePayoutApproved  = "payout.approved"
	TypePayoutRejected  = "payout.rejected"
	TypePayoutCompleted = "payout.completed"
	TypePayoutFailed    = "payout.failed"
)

// Event is one domain event envelope.
type Event struct {
	Type       string         `json:"type"`
	Key        string         `json:"key"` // partition key: balance or payout ID
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
