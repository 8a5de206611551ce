package pgstore

import (
	"context"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
)

// ListActiveOrganizationCaches returns every active Cache the organization
// has opted into, ordered by priority descending, used to enqueue cache
// publications on build completion.
func (g *Gateway) ListActiveOrganizationCaches(ctx context.Context, orgID string) ([]models.Cache, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.display_name, c.description, c.active, c.priority, c.signing_key, c.managed, c.created_by, c.created_at
		FROM cache c
		JOIN organization_cache oc ON oc.cache = c.id
		WHERE oc.organization = $1 AND c.active = true
		ORDER BY c.priority DESC`, orgID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: list organization caches: %w", err)
	}
	defer rows.Close()

	var out []models.Cache
	for rows.Next() {
		var c models.Cache
		if err := rows.Scan(&c.ID, &c.Name, &c.DisplayName, &c.Description, &c.Active, &c.Priority, &c.SigningKey, &c.Managed, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, orcherr.Transientf("pgstore: scan cache: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCacheSigningKey returns the raw Ed25519 key material stored for a
// cache, used by internal/cachepublish.OutputSource.SigningKey.
func (g *Gateway) GetCacheSigningKey(ctx context.Context, cacheID string) ([]byte, error) {
	var key []byte
	err := g.db.QueryRowContext(ctx, `SELECT signing_key FROM cache WHERE id = $1`, cacheID).Scan(&key)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: signing key for cache %s: %w", cacheID, err)
	}
	return key, nil
}

// ListOrganizations returns every organization id, used by the Build
// Dispatcher to iterate its readiness query per org on each tick.
func (g *Gateway) ListOrganizations(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id FROM organization ORDER BY created_at`)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: list organizations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, orcherr.Transientf("pgstore: scan organization: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OrganizationForEvaluation resolves the owning organization of an
// evaluation, whether it came from a Project or is a direct/ad-hoc
// evaluation.
func (g *Gateway) OrganizationForEvaluation(ctx context.Context, evalID string) (string, error) {
	var orgID string
	err := g.db.QueryRowContext(ctx, `
		SELECT COALESCE(p.organization, db.organization)
		FROM evaluation e
		LEFT JOIN project p ON p.id = e.project
		LEFT JOIN direct_build db ON db.evaluation = e.id
		WHERE e.id = $1`, evalID).Scan(&orgID)
	if err != nil {
		return "", orcherr.Transientf("pgstore: organization for evaluation %s: %w", evalID, err)
	}
	return orgID, nil
}
