package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jfenske/marketledger/internal/database"
)

// lockTimeout bounds a locked mutation so a stuck lock wait rolls back
// instead of holding the row indefinitely.
const lockTimeout = 15 * time.Second

// PostgresStore persists seller balances in PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a PostgreSQL-backed balance store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const balanceColumns = `id, user_id, available_balance, pending_balance,
	total_earned, total_withdrawn, currency, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, b *SellerBalance) error {
	_, err := s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO seller_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.UserID, b.AvailableBalance, b.PendingBalance,
		b.TotalEarned, b.TotalWithdrawn, b.Currency, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: user %s", ErrBalanceExists, b.UserID)
		}
		return fmt.Errorf("failed to insert seller balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByID(ctx context.Context, id string) (*SellerBalance, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM seller_balances WHERE id = $1`, id)
	return scanBalance(row)
}

func (s *PostgresStore) ByUser(ctx context.Context, userID string) (*SellerBalance, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM seller_balances WHERE user_id = $1`, userID)
	return scanBalance(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*SellerBalance, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM seller_balances ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*SellerBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// WithLockedBalance opens (or joins) a transaction, locks the balance row
// with SELECT ... FOR UPDATE, runs fn, and writes the mutated fields back.
// The ledger append inside fn joins the same transaction via ctx, so the
// entry and the row update commit or roll back as one.
func (s *PostgresStore) WithLockedBalance(ctx context.Context, balanceID string, fn func(ctx context.Context, b *SellerBalance) error) error {
	return s.db.InTxWithTimeout(ctx, lockTimeout, func(ctx context.Context) error {
		row := s.db.Conn(ctx).QueryRowContext(ctx,
			`SELECT `+balanceColumns+` FROM seller_balances WHERE id = $1 FOR UPDATE`, balanceID)
		b, err := scanBalance(row)
		if err != nil {
			return err
		}

		if err := fn(ctx, b); err != nil {
			return err
		}

		_, err = s.db.Conn(ctx).ExecContext(ctx, `
			UPDATE seller_balances
			SET available_balance = $2, pending_balance = $3,
				total_earned = $4, total_withdrawn = $5, updated_at = $6
			WHERE id = $1
		`, b.ID, b.AvailableBalance, b.PendingBalance,
			b.TotalEarned, b.TotalWithdrawn, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update seller balance: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*SellerBalance, error) {
	b := &SellerBalance{}
	err := row.Scan(&b.ID, &b.UserID, &b.AvailableBalance, &b.PendingBalance,
		&b.TotalEarned, &b.TotalWithdrawn, &b.Currency, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
