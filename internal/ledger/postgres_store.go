package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/database"
)

// PostgresStore persists ledger entries in PostgreSQL. Uniqueness of
// (balance_id, sequence) and of (balance_id, idempotency_key) is enforced
// by the schema, so concurrent writers racing past the row lock still
// cannot fork the chain or replay an idempotency key.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal entry metadata: %w", err)
	}

	_, err = s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO ledger_entries (
			id, balance_id, sequence, entry_type, source, amount,
			balance_before, balance_after, previous_hash, hash,
			reference, idempotency_key, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13::JSONB, $14)
	`, e.ID, e.BalanceID, e.Sequence, string(e.Type), string(e.Source), e.Amount,
		e.BalanceBefore, e.BalanceAfter, e.PreviousHash, e.Hash,
		e.Reference, e.IdempotencyKey, string(meta), e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == "ledger_entries_idempotency_idx" {
				return fmt.Errorf("%w: %s", ErrIdempotencyConflict, e.IdempotencyKey)
			}
			// sequence collision: another writer appended first
			return fmt.Errorf("%w: concurrent append at sequence %d", ErrLedgerCorrupted, e.Sequence)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context, balanceID string) (*Entry, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE balance_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, balanceID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) List(ctx context.Context, balanceID string) ([]*Entry, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE balance_id = $1
		ORDER BY sequence ASC
	`, balanceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEntries(rows)
}

func (s *PostgresStore) History(ctx context.Context, balanceID string, limit int, beforeSeq int64) ([]*Entry, error) {
	if beforeSeq < 1 {
		beforeSeq = 1<<62 - 1
	}
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE balance_id = $1 AND sequence < $2
		ORDER BY sequence DESC
		LIMIT $3
	`, balanceID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEntries(rows)
}

func (s *PostgresStore) Sum(ctx context.Context, balanceID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE entry_type
			WHEN 'CREDIT' THEN amount
			WHEN 'DEBIT' THEN -amount
			ELSE 0
		END), 0)
		FROM ledger_entries
		WHERE balance_id = $1
	`, balanceID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) FindBySourceRef(ctx context.Context, balanceID string, source Source, reference string) (*Entry, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE balance_id = $1 AND source = $2 AND reference = $3
		ORDER BY sequence ASC
		LIMIT 1
	`, balanceID, string(source), reference)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

const entryColumns = `id, balance_id, sequence, entry_type, source, amount,
	balance_before, balance_after, previous_hash, hash,
	COALESCE(reference, ''), COALESCE(idempotency_key, ''), COALESCE(metadata::TEXT, '{}'), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var entryType, source, meta string
	if err := row.Scan(&e.ID, &e.BalanceID, &e.Sequence, &entryType, &source, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.PreviousHash, &e.Hash,
		&e.Reference, &e.IdempotencyKey, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = EntryType(entryType)
	e.Source = Source(source)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry metadata: %w", err)
		}
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
