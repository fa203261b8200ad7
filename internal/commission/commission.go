// Package commission computes the platform's cut of an escrowed
// transaction and snapshots the calculation so it stays auditable after
// the fee table changes.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/money"
)

var (
	ErrInvalidGross    = errors.New("gross amount must be positive")
	ErrGrossBelowFees  = errors.New("gross amount does not cover fees")
	ErrDuplicateRecord = errors.New("commission record already exists for transaction")
	ErrRecordNotFound  = errors.New("commission record not found")
	ErrRecordMismatch  = errors.New("commission record does not match recomputation")
)

// calculationMethod names the fee algorithm version stored with each
// record. Bump when the tier table or the formula changes.
const calculationMethod = "tiered_v1"

// ProcessorFee is the flat per-transaction charge passed through from the
// payment processor, applied uniformly regardless of tier.
var ProcessorFee = decimal.NewFromInt(100)

// band is one row of the tiered fee table: the percentage applied while
// the gross amount is at most Max (zero Max = no upper bound).
type band struct {
	Max  decimal.Decimal
	Rate decimal.Decimal // percent
}

// tiers maps transaction type to its fee bands, ordered by Max ascending.
var tiers = map[string][]band{
	"property": {
		{Max: decimal.NewFromInt(1_000_000), Rate: decimal.NewFromInt(5)},
		{Max: decimal.NewFromInt(10_000_000), Rate: decimal.NewFromInt(4)},
		{Rate: decimal.NewFromInt(3)},
	},
	"service": {
		{Max: decimal.NewFromInt(100_000), Rate: decimal.NewFromInt(10)},
		{Rate: decimal.NewFromFloat(7.5)},
	},
	"goods": {
		{Rate: decimal.NewFromFloat(7.5)},
	},
}

// defaultRate applies to transaction types without a tier table entry.
var defaultRate = decimal.NewFromFloat(7.5)

// Input is the gross side of a fee calculation.
type Input struct {
	GrossAmount     decimal.Decimal
	Currency        string
	TransactionType string
}

// Result is a complete fee split. PlatformFee + ProcessorFee + NetAmount
// equals GrossAmount exactly; the split is derived by subtraction, never
// by independent rounding.
type Result struct {
	GrossAmount           decimal.Decimal   `json:"grossAmount"`
	Currency              string            `json:"currency"`
	PlatformFee           decimal.Decimal   `json:"platformFee"`
	PlatformFeePercentage decimal.Decimal   `json:"platformFeePercentage"`
	ProcessorFee          decimal.Decimal   `json:"processorFee"`
	NetAmount             decimal.Decimal   `json:"netAmount"`
	CalculationMethod     string            `json:"calculationMethod"`
	CalculationMetadata   map[string]string `json:"calculationMetadata"`
}

// Calculate applies the tiered fee table. Deterministic and
// side-effect-free: the same input always yields the same split.
func Calculate(in Input) (*Result, error) {
	if in.GrossAmount.Sign() <= 0 {
		return nil, ErrInvalidGross
	}

	gross := in.GrossAmount.Round(money.Scale)
	rate := rateFor(in.TransactionType, gross)

	platformFee := gross.Mul(rate).Div(decimal.NewFromInt(100)).Round(money.Scale)
	net := gross.Sub(platformFee).Sub(ProcessorFee)
	if net.Sign() < 0 {
		return nil, fmt.Errorf("%w: gross %s, platform fee %s, processor fee %s",
			ErrGrossBelowFees, money.Format(gross), money.Format(platformFee), money.Format(ProcessorFee))
	}

	return &Result{
		GrossAmount:           gross,
		Currency:              in.Currency,
		PlatformFee:           platformFee,
		PlatformFeePercentage: rate,
		ProcessorFee:          ProcessorFee,
		NetAmount:             net,
		CalculationMethod:     calculationMethod,
		CalculationMetadata: map[string]string{
			"transaction_type": in.TransactionType,
			"rate_percent":     rate.String(),
			"processor_fee":    money.Format(ProcessorFee),
		},
	}, nil
}

func rateFor(transactionType string, gross decimal.Decimal) decimal.Decimal {
	bands, ok := tiers[transactionType]
	if !ok {
		return defaultRate
	}
	for _, b := range bands {
		if b.Max.IsZero() || gross.LessThanOrEqual(b.Max) {
			return b.Rate
		}
	}
	return bands[len(bands)-1].Rate
}

// Record snapshots one transaction's fee split.
type Record struct {
	ID                    string            `json:"id"`
	TransactionID         string            `json:"transactionId"`
	TransactionType       string            `json:"transactionType"`
	Currency              string            `json:"currency"`
	GrossAmount           decimal.Decimal   `json:"grossAmount"`
	PlatformFee           decimal.Decimal   `json:"platformFee"`
	PlatformFeePercentage decimal.Decimal   `json:"platformFeePercentage"`
	ProcessorFee          decimal.Decimal   `json:"processorFee"`
	NetAmount             decimal.Decimal   `json:"netAmount"`
	CalculationMethod     string            `json:"calculationMethod"`
	CalculationMetadata   map[string]string `json:"calculationMetadata"`
	CreatedAt             time.Time         `json:"createdAt"`
}

// Store persists commission records.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	ByTransaction(ctx context.Context, transactionID string) (*Record, error)
}

// Service owns commission record creation and verification.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a commission service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateRecord calculates the split for a transaction and persists it.
// The unique constraint on transaction_id makes this safe to race.
func (s *Service) CreateRecord(ctx context.Context, transactionID string, in Input) (*Record, error) {
	res, err := Calculate(in)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:                    uuid.NewString(),
		TransactionID:         transactionID,
		TransactionType:       in.TransactionType,
		Currency:              res.Currency,
		GrossAmount:           res.GrossAmount,
		PlatformFee:           res.PlatformFee,
		PlatformFeePercentage: res.PlatformFeePercentage,
		ProcessorFee:          res.ProcessorFee,
		NetAmount:             res.NetAmount,
		CalculationMethod:     res.CalculationMethod,
		CalculationMetadata:   res.CalculationMetadata,
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordByTransaction returns the stored split for a transaction.
func (s *Service) RecordByTransaction(ctx context.Context, transactionID string) (*Record, error) {
	return s.store.ByTransaction(ctx, transactionID)
}

// VerifyRecord recomputes the split from the record's stored inputs and
// diffs it against the stored outputs. A mismatch means either the fee
// table changed under an old calculation method or the record was edited.
func (s *Service) VerifyRecord(ctx context.Context, transactionID string) error {
	rec, err := s.store.ByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	res, err := Calculate(Input{
		GrossAmount:     rec.GrossAmount,
		Currency:        rec.Currency,
		TransactionType: rec.TransactionType,
	})
	if err != nil {
		return fmt.Errorf("%w: recomputation failed: %v", ErrRecordMismatch, err)
	}

	switch {
	case !rec.PlatformFee.Equal(res.PlatformFee):
		return fmt.Errorf("%w: platform fee stored %s, recomputed %s",
			ErrRecordMismatch, money.Format(rec.PlatformFee), money.Format(res.PlatformFee))
	case !rec.ProcessorFee.Equal(res.ProcessorFee):
		return fmt.Errorf("%w: processor fee stored %s, recomputed %s",
			ErrRecordMismatch, money.Format(rec.ProcessorFee), money.Format(res.ProcessorFee))
	case !rec.NetAmount.Equal(res.NetAmount):
		return fmt.Errorf("%w: net amount stored %s, recomputed %s",
			ErrRecordMismatch, money.Format(rec.NetAmount), money.Format(res.NetAmount))
	}
	return nil
}
