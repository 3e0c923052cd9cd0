// Package store holds helpers shared by the issuance stores.
package store

import (
	"context"
	"database/sql"

	txcontext "credmint/pkg/platform/tx"
)

// Conn is the subset of *sql.DB and *sql.Tx the stores query through.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// ConnFrom returns the transaction carried on ctx, or db when there is none.
func ConnFrom(ctx context.Context, db *sql.DB) Conn {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return db
}
