// Package database provides a thin transaction helper over database/sql.
//
// Business operations that span multiple stores (escrow release, refund,
// payout completion) open one transaction and carry it through the call
// tree via context. Stores resolve their executor with Conn, so a store
// method joins the caller's transaction when one is present and falls back
// to the pool otherwise.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ctxKey struct{}

// DB wraps *sql.DB with context-carried transactions.
type DB struct {
	*sql.DB
}

// New wraps an open connection pool.
func New(db *sql.DB) *DB {
	return &DB{DB: db}
}

// Conn returns the transaction carried by ctx, or the pool.
func (d *DB) Conn(ctx context.Context) DBTX {
	if tx, ok := ctx.Value(ctxKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.DB
}

// InTx runs fn inside a transaction. If ctx already carries one, fn joins
// it and commit/rollback stays with the outermost caller. A new
// transaction commits when fn returns nil and rolls back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(ctxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, ctxKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// InTxWithTimeout is InTx bounded by a deadline. Multi-write business
// transactions use this so a stuck lock wait fails fast and rolls back
// instead of holding the row lock indefinitely.
func (d *DB) InTxWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.InTx(ctx, fn)
}

// TxRunner abstracts InTxWithTimeout so services can run against the
// in-memory stores, which have no transactions.
type TxRunner interface {
	InTxWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error
}

// Passthrough is a TxRunner with no transactional behavior: fn runs
// directly under the deadline. Used with the in-memory stores, whose
// mutation methods are individually atomic.
type Passthrough struct{}

func (Passthrough) InTxWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(ctxKey{}).(*sql.Tx)
	return ok
}
