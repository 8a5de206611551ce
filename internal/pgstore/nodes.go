package pgstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
)

// ListOrganizationNodes returns every node owned by org, used by the Build
// Dispatcher's node matching rotation.
func (g *Gateway) ListOrganizationNodes(ctx context.Context, orgID string) ([]models.Node, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, organization, host, port, capacity, last_connection_at, created_by, created_at
		FROM server WHERE organization = $1 ORDER BY host`, orgID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: list organization nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		if err := rows.Scan(&n.ID, &n.Organization, &n.Host, &n.Port, &n.Capacity, &n.LastConnectionAt, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, orcherr.Transientf("pgstore: scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherr.Transientf("pgstore: iterate nodes: %w", err)
	}
	for i := range nodes {
		archs, err := g.nodeArchitectures(ctx, nodes[i].ID)
		if err != nil {
			return nil, err
		}
		nodes[i].Architectures = archs
		features, err := g.nodeFeatures(ctx, nodes[i].ID)
		if err != nil {
			return nil, err
		}
		nodes[i].Features = features
	}
	return nodes, nil
}

func (g *Gateway) nodeArchitectures(ctx context.Context, nodeID string) ([]models.Architecture, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT architecture FROM server_architecture WHERE server = $1`, nodeID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: load node architectures: %w", err)
	}
	defer rows.Close()
	var out []models.Architecture
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, orcherr.Transientf("pgstore: scan node architecture: %w", err)
		}
		out = append(out, models.Architecture(a))
	}
	return out, rows.Err()
}

func (g *Gateway) nodeFeatures(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT f.name FROM server_feature sf JOIN feature f ON f.id = sf.feature WHERE sf.server = $1`, nodeID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: load node features: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, orcherr.Transientf("pgstore: scan node feature: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// TouchNode updates a node's last_connection_at, called by
// cmd/orchestratord for each node whose startup health check succeeds.
func (g *Gateway) TouchNode(ctx context.Context, nodeID string) error {
	_, err := g.db.ExecContext(ctx, `UPDATE server SET last_connection_at = now() WHERE id = $1`, nodeID)
	if err != nil {
		return orcherr.Transientf("pgstore: touch node: %w", err)
	}
	return nil
}

// InsertNode registers a new builder node under org.
func (g *Gateway) InsertNode(ctx context.Context, n models.Node) (*models.Node, error) {
	n.ID = uuid.NewString()
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		if n.Capacity <= 0 {
			n.Capacity = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO server (id, organization, host, port, capacity, last_connection_at, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, now(), $6, now())`,
			n.ID, n.Organization, n.Host, n.Port, n.Capacity, n.CreatedBy); err != nil {
			return orcherr.Transientf("pgstore: insert node: %w", err)
		}
		for _, arch := range n.Architectures {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO server_architecture (id, server, architecture) VALUES ($1, $2, $3)`,
				uuid.NewString(), n.ID, string(arch)); err != nil {
				return orcherr.Transientf("pgstore: insert server_architecture: %w", err)
			}
		}
		for _, feature := range n.Features {
			if err := insertServerFeatureTx(ctx, tx, n.ID, feature); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func insertServerFeatureTx(ctx context.Context, tx *sql.Tx, serverID, feature string) error {
	featureID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO feature (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, featureID, feature); err != nil {
		return orcherr.Transientf("pgstore: upsert feature: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO server_feature (id, server, feature)
		SELECT $1, $2, id FROM feature WHERE name = $3
		ON CONFLICT DO NOTHING`, uuid.NewString(), serverID, feature); err != nil {
		return orcherr.Transientf("pgstore: insert server_feature: %w", err)
	}
	return nil
}
