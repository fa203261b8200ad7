package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/idgen"
)

// TransactionStatus is an escrowed transaction's lifecycle state.
type TransactionStatus string

const (
	TransactionEscrowed  TransactionStatus = "ESCROWED"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionRefunded  TransactionStatus = "REFUNDED"
)

// Transaction is the escrowed marketplace transaction the orchestration
// operates on. Creation and buyer-side payment flow live outside the
// financial core; this is the minimal slice it reads and updates.
type Transaction struct {
	ID              string            `json:"id"`
	BuyerID         string            `json:"buyerId"`
	SellerID        string            `json:"sellerId"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	TransactionType string            `json:"transactionType"`
	Status          TransactionStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// TransactionStore persists transactions.
type TransactionStore interface {
	Create(ctx context.Context, t *Transaction) error
	ByID(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
}

// RefundRecord documents one processed refund.
type RefundRecord struct {
	ID                  string          `json:"id"`
	TransactionID       string          `json:"transactionId"`
	Amount              decimal.Decimal `json:"amount"`
	PlatformFeeReversed bool            `json:"platformFeeReversed"`
	FeeReversalAmount   decimal.Decimal `json:"feeReversalAmount"`
	Reason              string          `json:"reason"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// RefundStore persists refund records.
type RefundStore interface {
	Insert(ctx context.Context, r *RefundRecord) error
	ByTransaction(ctx context.Context, transactionID string) ([]*RefundRecord, error)
}

func newRefundRecord(transactionID string, amount, feeReversal decimal.Decimal, reason string) *RefundRecord {
	return &RefundRecord{
		ID:                  idgen.WithPrefix("ref_"),
		TransactionID:       transactionID,
		Amount:              amount,
		PlatformFeeReversed: feeReversal.Sign() > 0,
		FeeReversalAmount:   feeReversal,
		Reason:              reason,
		CreatedAt:           time.Now().UTC(),
	}
}
