package commission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/jfenske/marketledger/internal/database"
)

// PostgresStore persists commission records in PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a PostgreSQL-backed commission store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, r *Record) error {
	meta, err := json.Marshal(r.CalculationMetadata)
	if err != nil {
		return fmt.Errorf("failed to marshal calculation metadata: %w", err)
	}

	_, err = s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO commission_records (
			id, transaction_id, transaction_type, currency, gross_amount,
			platform_fee, platform_fee_percentage, processor_fee, net_amount,
			calculation_method, calculation_metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::JSONB, $12)
	`, r.ID, r.TransactionID, r.TransactionType, r.Currency, r.GrossAmount,
		r.PlatformFee, r.PlatformFeePercentage, r.ProcessorFee, r.NetAmount,
		r.CalculationMethod, string(meta), r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, r.TransactionID)
		}
		return fmt.Errorf("failed to insert commission record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByTransaction(ctx context.Context, transactionID string) (*Record, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT id, transaction_id, transaction_type, currency, gross_amount,
			platform_fee, platform_fee_percentage, processor_fee, net_amount,
			calculation_method, COALESCE(calculation_metadata::TEXT, '{}'), created_at
		FROM commission_records
		WHERE transaction_id = $1
	`, transactionID)

	r := &Record{}
	var meta string
	err := row.Scan(&r.ID, &r.TransactionID, &r.TransactionType, &r.Currency, &r.GrossAmount,
		&r.PlatformFee, &r.PlatformFeePercentage, &r.ProcessorFee, &r.NetAmount,
		&r.CalculationMethod, &meta, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.CalculationMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calculation metadata: %w", err)
		}
	}
	return r, nil
}
