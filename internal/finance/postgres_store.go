package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jfenske/marketledger/internal/database"
)

// PostgresTransactionStore persists transactions in PostgreSQL.
type PostgresTransactionStore struct {
	db *database.DB
}

// NewPostgresTransactionStore creates a PostgreSQL-backed transaction store.
func NewPostgresTransactionStore(db *database.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

const transactionColumns = `id, buyer_id, seller_id, amount, currency,
	transaction_type, status, created_at, updated_at`

func (s *PostgresTransactionStore) Create(ctx context.Context, t *Transaction) error {
	_, err := s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.BuyerID, t.SellerID, t.Amount, t.Currency,
		t.TransactionType, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresTransactionStore) ByID(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	t := &Transaction{}
	var status string
	err := row.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Currency,
		&t.TransactionType, &status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = TransactionStatus(status)
	return t, nil
}

func (s *PostgresTransactionStore) Update(ctx context.Context, t *Transaction) error {
	res, err := s.db.Conn(ctx).ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1
	`, t.ID, string(t.Status), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// PostgresRefundStore persists refund records in PostgreSQL.
type PostgresRefundStore struct {
	db *database.DB
}

// NewPostgresRefundStore creates a PostgreSQL-backed refund store.
func NewPostgresRefundStore(db *database.DB) *PostgresRefundStore {
	return &PostgresRefundStore{db: db}
}

func (s *PostgresRefundStore) Insert(ctx context.Context, r *RefundRecord) error {
	_, err := s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO refund_records (
			id, transaction_id, amount, platform_fee_reversed,
			fee_reversal_amount, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.TransactionID, r.Amount, r.PlatformFeeReversed,
		r.FeeReversalAmount, r.Reason, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refund record: %w", err)
	}
	return nil
}

func (s *PostgresRefundStore) ByTransaction(ctx context.Context, transactionID string) ([]*RefundRecord, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT id, transaction_id, amount, platform_fee_reversed,
			fee_reversal_amount, COALESCE(reason, ''), created_at
		FROM refund_records
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RefundRecord
	for rows.Next() {
		r := &RefundRecord{}
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Amount, &r.PlatformFeeReversed,
			&r.FeeReversalAmount, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
