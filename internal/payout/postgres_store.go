package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/database"
)

// PostgresStore persists payout requests in PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a PostgreSQL-backed payout store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, seller_balance_id, user_id, amount, currency,
	payment_method, payment_details, status,
	COALESCE(approved_by, ''), COALESCE(rejection_reason, ''), COALESCE(failure_reason, ''),
	COALESCE(provider_reference, ''), COALESCE(provider_payout_id, ''),
	requested_at, approved_at, processing_at, completed_at, rejected_at, failed_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	details, err := json.Marshal(r.PaymentDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal payment details: %w", err)
	}

	_, err = s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO payout_requests (
			id, seller_balance_id, user_id, amount, currency,
			payment_method, payment_details, status, requested_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8, $9, $10)
	`, r.ID, r.SellerBalanceID, r.UserID, r.Amount, r.Currency,
		r.PaymentMethod, string(details), string(r.Status), r.RequestedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return r, err
}

// Update writes r only while the stored status is still from. Zero rows
// affected means either the row vanished or another writer transitioned
// it first; a follow-up read tells the two apart.
func (s *PostgresStore) Update(ctx context.Context, r *Request, from Status) error {
	res, err := s.db.Conn(ctx).ExecContext(ctx, `
		UPDATE payout_requests
		SET status = $2, approved_by = NULLIF($3, ''), rejection_reason = NULLIF($4, ''),
			failure_reason = NULLIF($5, ''), provider_reference = NULLIF($6, ''),
			provider_payout_id = NULLIF($7, ''), approved_at = $8, processing_at = $9,
			completed_at = $10, rejected_at = $11, failed_at = $12, updated_at = $13
		WHERE id = $1 AND status = $14
	`, r.ID, string(r.Status), r.ApprovedBy, r.RejectionReason,
		r.FailureReason, r.ProviderReference, r.ProviderPayoutID,
		r.ApprovedAt, r.ProcessingAt, r.CompletedAt, r.RejectedAt, r.FailedAt, r.UpdatedAt,
		string(from))
	if err != nil {
		return fmt.Errorf("failed to update payout request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s no longer %s", ErrStaleStatus, r.ID, from)
	}
	return nil
}

func (s *PostgresStore) ListByBalance(ctx context.Context, balanceID string, limit int) ([]*Request, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE seller_balance_id = $1
		ORDER BY requested_at DESC
		LIMIT $2
	`, balanceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRequests(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE status = $1
		ORDER BY requested_at ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRequests(rows)
}

func (s *PostgresStore) SumOutstanding(ctx context.Context, balanceID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payout_requests
		WHERE seller_balance_id = $1 AND status IN ('PENDING', 'APPROVED', 'PROCESSING')
	`, balanceID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum outstanding payouts: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	var status, details string
	var approvedAt, processingAt, completedAt, rejectedAt, failedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.SellerBalanceID, &r.UserID, &r.Amount, &r.Currency,
		&r.PaymentMethod, &details, &status,
		&r.ApprovedBy, &r.RejectionReason, &r.FailureReason,
		&r.ProviderReference, &r.ProviderPayoutID,
		&r.RequestedAt, &approvedAt, &processingAt, &completedAt, &rejectedAt, &failedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if details != "" && details != "{}" && details != "null" {
		if err := json.Unmarshal([]byte(details), &r.PaymentDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment details: %w", err)
		}
	}
	r.ApprovedAt = timePtr(approvedAt)
	r.ProcessingAt = timePtr(processingAt)
	r.CompletedAt = timePtr(completedAt)
	r.RejectedAt = timePtr(rejectedAt)
	r.FailedAt = timePtr(failedAt)
	return r, nil
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
