// Package pgstore is the Persistence Gateway (PG): typed, transactional
// access to durable scheduler state. Every state transition here is a
// single transaction guarded by a WHERE clause on the expected prior state,
// so concurrent callers race safely. pgstore never caches
// scheduler state in memory; restart safety derives entirely from this
// package being the single source of truth.
package pgstore

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql.DB driver
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/orcherr"
	"github.com/wavelens/gradient/internal/pgstore/migrations"
)

// Gateway is the narrow, transactional API the two control loops drive.
type Gateway struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects to databaseURL (a postgres:// DSN) and runs pending
// migrations. Callers must Close the returned Gateway on shutdown.
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*Gateway, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, orcherr.Fatalf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, orcherr.Fatalf("pgstore: ping: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, orcherr.Fatalf("pgstore: migrate: %w", err)
	}
	return &Gateway{db: db, log: log}, nil
}

// OpenWithDB wraps an already-open *sql.DB without running migrations
// (used by this package's go-sqlmock tests).
func OpenWithDB(db *sql.DB, log *zap.Logger) *Gateway {
	return &Gateway{db: db, log: log}
}

func (g *Gateway) Close() error { return g.db.Close() }

// Ping verifies connectivity, used by the readiness endpoint.
func (g *Gateway) Ping(ctx context.Context) error { return g.db.PingContext(ctx) }

// withTx runs fn inside a transaction, committing on success and rolling
// back (logging any rollback error, never masking fn's own error) otherwise.
func (g *Gateway) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return orcherr.Transientf("pgstore: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			g.log.Warn("pgstore: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return orcherr.Transientf("pgstore: commit: %w", err)
	}
	return nil
}

// rowsAffectedOne returns true iff res reports exactly one row touched,
// false (not an error) for zero, and an error only for a genuinely
// unexpected driver failure. Used for every CAS-style UPDATE.
func rowsAffectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("pgstore: rows affected: %w", err)
	}
	return n == 1, nil
}

func notFound(entity, id string) error {
	return orcherr.DataIntegrityf("pgstore: %s %s: %w", entity, id, sql.ErrNoRows)
}
