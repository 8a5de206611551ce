package pgstore

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
)

// HealthChecker reports whether a node is currently reachable. Implemented
// by internal/ncp.Pool; kept as a narrow interface here so pgstore never
// imports ncp (pgstore sits below ncp in the dependency graph).
type HealthChecker interface {
	Healthy(nodeID string) bool
}

// Reconcile runs once after a restart: any build still marked Building
// whose assigned node is unhealthy (or gone) is reset to Queued so it can
// be rescheduled. Called at startup before the ED/BD loops begin ticking.
func (g *Gateway) Reconcile(ctx context.Context, health HealthChecker) (int, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, assigned_node FROM build WHERE status = $1`, models.BuildBuilding)
	if err != nil {
		return 0, orcherr.Transientf("pgstore: reconcile query: %w", err)
	}
	type building struct {
		buildID string
		nodeID  sql.NullString
	}
	var toReset []building
	for rows.Next() {
		var b building
		if err := rows.Scan(&b.buildID, &b.nodeID); err != nil {
			rows.Close()
			return 0, orcherr.Transientf("pgstore: reconcile scan: %w", err)
		}
		toReset = append(toReset, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, orcherr.Transientf("pgstore: reconcile iterate: %w", err)
	}
	rows.Close()

	reset := 0
	for _, b := range toReset {
		unhealthy := !b.nodeID.Valid || !health.Healthy(b.nodeID.String)
		if !unhealthy {
			continue
		}
		if err := g.ResetToQueued(ctx, b.buildID); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

// LogReconcile is a convenience wrapper logging the outcome, used directly
// by cmd/orchestratord.
func (g *Gateway) LogReconcile(ctx context.Context, health HealthChecker, log *zap.Logger) error {
	n, err := g.Reconcile(ctx, health)
	if err != nil {
		return err
	}
	log.Info("reconciled orphaned builds on startup", zap.Int("reset", n))
	return nil
}
