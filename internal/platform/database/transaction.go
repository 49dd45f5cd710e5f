package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const (
	txStatusKey = txContextKey("tx-status")
	txKey       = txContextKey("tx")
)

// Tx is the subset of *sqlx.Tx repositories use, plus context-aware
// commit/rollback that no-ops when the transaction is borrowed from an
// ambient context another caller owns.
type Tx interface {
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Exec(query string, args ...any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Get(dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
}

type transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) Tx {
	return &transaction{Tx: tx, logger: logger}
}

// GetTx returns the transaction already open on ctx, if any, otherwise opens
// a fresh one and stashes it on a derived context for nested callers to share.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(Tx); ok && existing != nil && existing.IsOpen() {
		if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
			return ctx, existing, nil
		}
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("failed to begin transaction")
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}

	newTx := NewTx(tx, logger)
	ctx = context.WithValue(ctx, txStatusKey, "open")
	ctx = context.WithValue(ctx, txKey, newTx)
	return ctx, newTx, nil
}

func (t *transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}
	if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
		return nil // caller that owns the ambient tx is responsible for closing it
	}
	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("failed to roll back transaction")
		return fmt.Errorf("rollback transaction: %w", err)
	}
	t.isClosed = true
	return nil
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Error("failed to commit transaction")
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.isClosed = true
	return nil
}
