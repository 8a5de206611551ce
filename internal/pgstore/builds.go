package pgstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
	"github.com/wavelens/gradient/internal/pgstore/sqlutil"
)

// NextReadyBuilds returns up to limit Queued builds belonging to org whose
// every BuildDependency is Completed, FIFO by the owning evaluation's
// creation time then topological within it. Concurrency-cap enforcement
// against org happens one layer up in internal/builddispatch, which already knows how many builds it has
// in flight locally; NextReadyBuilds itself stays a pure readiness query so
// multiple dispatcher processes can safely call it concurrently.
func (g *Gateway) NextReadyBuilds(ctx context.Context, orgID string, limit int) ([]models.Build, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT b.id, b.evaluation, b.status, b.path, b.architecture, b.dependency_of,
		       b.assigned_node, b.log, b.created_at, b.updated_at
		FROM build b
		JOIN evaluation e ON e.id = b.evaluation
		LEFT JOIN project p ON p.id = e.project
		LEFT JOIN direct_build db ON db.evaluation = e.id
		WHERE COALESCE(p.organization, db.organization) = $1
		  AND b.status = $2
		  AND NOT EXISTS (
		      SELECT 1 FROM build_dependency bd
		      JOIN build dep ON dep.id = bd.dependency
		      WHERE bd.build = b.id AND dep.status != $3
		  )
		ORDER BY e.created_at ASC, b.created_at ASC
		LIMIT $4`,
		orgID, models.BuildQueued, models.BuildCompleted, limit)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: next ready builds: %w", err)
	}
	defer rows.Close()

	var out []models.Build
	for rows.Next() {
		var b models.Build
		var dependencyOf, assignedNode, log sql.NullString
		var arch string
		if err := rows.Scan(&b.ID, &b.Evaluation, &b.Status, &b.Path, &arch, &dependencyOf,
			&assignedNode, &log, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, orcherr.Transientf("pgstore: scan ready build: %w", err)
		}
		b.Architecture = models.Architecture(arch)
		b.DependencyOf = sqlutil.FromNullString(dependencyOf)
		b.AssignedNode = sqlutil.FromNullString(assignedNode)
		b.Log = sqlutil.FromNullString(log)
		features, err := g.buildFeatures(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Features = features
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherr.Transientf("pgstore: iterate ready builds: %w", err)
	}
	return out, nil
}

func (g *Gateway) buildFeatures(ctx context.Context, buildID string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT f.name FROM build_feature bf JOIN feature f ON f.id = bf.feature WHERE bf.build = $1`, buildID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: load build features: %w", err)
	}
	defer rows.Close()
	var features []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, orcherr.Transientf("pgstore: scan build feature: %w", err)
		}
		features = append(features, name)
	}
	return features, rows.Err()
}

// AssignBuild CAS-transitions build Queued->Building attached to node.
// Returns false (no error) if another dispatcher already won the race.
func (g *Gateway) AssignBuild(ctx context.Context, buildID, nodeID string) (bool, error) {
	var ok bool
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE build SET status = $1, assigned_node = $2, updated_at = now()
			WHERE id = $3 AND status = $4`,
			models.BuildBuilding, nodeID, buildID, models.BuildQueued)
		if err != nil {
			return orcherr.Transientf("pgstore: assign build: %w", err)
		}
		ok, err = rowsAffectedOne(res)
		return err
	})
	return ok, err
}

// CompleteBuild records outputs and transitions build to Completed.
func (g *Gateway) CompleteBuild(ctx context.Context, buildID string, outputs []models.BuildOutput) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE build SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
			models.BuildCompleted, buildID, models.BuildBuilding)
		if err != nil {
			return orcherr.Transientf("pgstore: complete build: %w", err)
		}
		ok, err := rowsAffectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return orcherr.DataIntegrityf("pgstore: build %s not building", buildID)
		}
		for _, o := range outputs {
			if o.ID == "" {
				o.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO build_output (id, build, name, output, hash, package, file_hash, file_size, is_cached, ca, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
				o.ID, buildID, o.Name, o.Output, o.Hash, o.Package,
				sqlutil.ToNullString(o.FileHash), sqlutil.ToNullInt64(o.FileSize), o.IsCached, sqlutil.ToNullString(o.CA)); err != nil {
				return orcherr.Transientf("pgstore: insert build_output: %w", err)
			}
		}
		return nil
	})
}

// GetBuildOutput looks up one build_output row by id, used by
// internal/cachepublish.OutputSource.ReadOutput to resolve which store path
// to read before publishing it to a cache.
func (g *Gateway) GetBuildOutput(ctx context.Context, outputID string) (*models.BuildOutput, error) {
	var o models.BuildOutput
	var fileHash sql.NullString
	var fileSize sql.NullInt64
	var ca sql.NullString
	err := g.db.QueryRowContext(ctx, `
		SELECT id, build, name, output, hash, package, file_hash, file_size, is_cached, ca, created_at
		FROM build_output WHERE id = $1`, outputID).
		Scan(&o.ID, &o.Build, &o.Name, &o.Output, &o.Hash, &o.Package, &fileHash, &fileSize, &o.IsCached, &ca, &o.CreatedAt)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: get build output %s: %w", outputID, err)
	}
	o.FileHash = sqlutil.FromNullString(fileHash)
	o.FileSize = sqlutil.FromNullInt64(fileSize)
	o.CA = sqlutil.FromNullString(ca)
	return &o, nil
}

// ListDependencyOutputs returns the output store paths of every Completed
// dependency of buildID, the set the dispatcher must make present on the
// remote node before invoking the build.
func (g *Gateway) ListDependencyOutputs(ctx context.Context, buildID string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT bo.output
		FROM build_dependency bd
		JOIN build dep ON dep.id = bd.dependency
		JOIN build_output bo ON bo.build = dep.id
		WHERE bd.build = $1 AND dep.status = $2`, buildID, models.BuildCompleted)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: list dependency outputs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, orcherr.Transientf("pgstore: scan dependency output: %w", err)
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// FailBuild records a deterministic build failure: never retried,
// propagation to dependents is handled by AbortDependents.
func (g *Gateway) FailBuild(ctx context.Context, buildID, log string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE build SET status = $1, log = $2, updated_at = now()
			WHERE id = $3 AND status IN ($4, $5)`,
			models.BuildFailed, log, buildID, models.BuildQueued, models.BuildBuilding)
		if err != nil {
			return orcherr.Transientf("pgstore: fail build: %w", err)
		}
		return nil
	})
}

// AbortBuild is reachable from Queued or Building; on Building it
// is the caller's responsibility to also tear down the remote session via
// NCP.
func (g *Gateway) AbortBuild(ctx context.Context, buildID string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE build SET status = $1, updated_at = now()
			WHERE id = $2 AND status IN ($3, $4)`,
			models.BuildAborted, buildID, models.BuildQueued, models.BuildBuilding)
		if err != nil {
			return orcherr.Transientf("pgstore: abort build: %w", err)
		}
		return nil
	})
}

// AbortDependents transitively marks every dependent of a failed build
// Aborted, in one transaction. ids is the full transitive dependent set,
// computed by the caller
// (internal/builddispatch walks the DAG with gonum, see dag.go) since
// that walk needs the in-memory graph already loaded for the evaluation.
func (g *Gateway) AbortDependents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return g.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE build SET status = $1, updated_at = now()
				WHERE id = $2 AND status IN ($3, $4)`,
				models.BuildAborted, id, models.BuildQueued, models.BuildBuilding); err != nil {
				return orcherr.Transientf("pgstore: abort dependent build: %w", err)
			}
		}
		return nil
	})
}

// ResetToQueued clears assigned_node and reverts a build to Queued, used
// both for connection-loss retries and for
// startup reconciliation (reconcile.go).
func (g *Gateway) ResetToQueued(ctx context.Context, buildID string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE build SET status = $1, assigned_node = NULL, updated_at = now()
			WHERE id = $2 AND status = $3`,
			models.BuildQueued, buildID, models.BuildBuilding)
		if err != nil {
			return orcherr.Transientf("pgstore: reset build to queued: %w", err)
		}
		return nil
	})
}

// AppendLog appends to a build's persisted log tail.
func (g *Gateway) AppendLog(ctx context.Context, buildID, chunk string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE build SET log = COALESCE(log, '') || $1, updated_at = now() WHERE id = $2`, chunk, buildID)
	if err != nil {
		return orcherr.Transientf("pgstore: append build log: %w", err)
	}
	return nil
}

// ListEvaluationBuilds loads every build (id, status, dependency edges
// aside) for an evaluation, used by builddispatch's DAG walk.
func (g *Gateway) ListEvaluationBuilds(ctx context.Context, evalID string) ([]models.Build, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, evaluation, status, path, architecture, dependency_of, assigned_node, log, created_at, updated_at
		FROM build WHERE evaluation = $1`, evalID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: list evaluation builds: %w", err)
	}
	defer rows.Close()
	var out []models.Build
	for rows.Next() {
		var b models.Build
		var dependencyOf, assignedNode, log sql.NullString
		var arch string
		if err := rows.Scan(&b.ID, &b.Evaluation, &b.Status, &b.Path, &arch, &dependencyOf, &assignedNode, &log, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, orcherr.Transientf("pgstore: scan evaluation build: %w", err)
		}
		b.Architecture = models.Architecture(arch)
		b.DependencyOf = sqlutil.FromNullString(dependencyOf)
		b.AssignedNode = sqlutil.FromNullString(assignedNode)
		b.Log = sqlutil.FromNullString(log)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBuildDependencies loads every build_dependency edge for an
// evaluation, used by builddispatch's DAG walk.
func (g *Gateway) ListBuildDependencies(ctx context.Context, evalID string) ([]models.BuildDependency, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT bd.id, bd.build, bd.dependency
		FROM build_dependency bd
		JOIN build b ON b.id = bd.build
		WHERE b.evaluation = $1`, evalID)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: list build dependencies: %w", err)
	}
	defer rows.Close()
	var out []models.BuildDependency
	for rows.Next() {
		var d models.BuildDependency
		if err := rows.Scan(&d.ID, &d.Build, &d.Dependency); err != nil {
			return nil, orcherr.Transientf("pgstore: scan build dependency: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
