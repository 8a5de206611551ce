package pgstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
	"github.com/wavelens/gradient/internal/pgstore/sqlutil"
)

// InsertEvaluation creates a new Queued evaluation and links it into its
// project's previous/next history. See DESIGN.md "Evaluation.next
// maintenance": next is only ever set here, on the successor's insert, in
// the same transaction that sets the new row's previous.
func (g *Gateway) InsertEvaluation(ctx context.Context, eval models.Evaluation) (*models.Evaluation, error) {
	eval.ID = uuid.NewString()
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		if eval.Project != nil {
			row := tx.QueryRowContext(ctx, `
				SELECT e.id FROM evaluation e
				JOIN project p ON p.last_evaluation = e.id
				WHERE p.id = $1`, *eval.Project)
			var previous string
			switch err := row.Scan(&previous); err {
			case nil:
				eval.Previous = &previous
			case sql.ErrNoRows:
				// first evaluation for this project
			default:
				return orcherr.Transientf("pgstore: find previous evaluation: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation (id, project, repository, "commit", evaluation_wildcard, status, previous, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			eval.ID, sqlutil.ToNullString(eval.Project), eval.Repository, eval.Commit,
			eval.EvaluationWildcard, models.EvaluationQueued, sqlutil.ToNullString(eval.Previous))
		if err != nil {
			return orcherr.Transientf("pgstore: insert evaluation: %w", err)
		}

		if eval.Previous != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE evaluation SET next = $1 WHERE id = $2`, eval.ID, *eval.Previous); err != nil {
				return orcherr.Transientf("pgstore: link previous evaluation: %w", err)
			}
		}
		if eval.Project != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE project SET last_evaluation = $1 WHERE id = $2`, eval.ID, *eval.Project); err != nil {
				return orcherr.Transientf("pgstore: update project last_evaluation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	eval.Status = models.EvaluationQueued
	return &eval, nil
}

// InsertCommit records a new immutable Commit row, used by both the
// project-triggered ingestion path (out of scope here) and
// InsertDirectEvaluation below.
func (g *Gateway) InsertCommit(ctx context.Context, c models.Commit) (*models.Commit, error) {
	c.ID = uuid.NewString()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO "commit" (id, message, hash, author, created_at) VALUES ($1, $2, $3, $4, now())`,
		c.ID, c.Message, c.Hash, sqlutil.ToNullString(c.Author))
	if err != nil {
		return nil, orcherr.Transientf("pgstore: insert commit: %w", err)
	}
	return &c, nil
}

// InsertDirectEvaluation creates a project-less (ad-hoc) evaluation plus its
// owning direct_build row in one transaction. The
// organization comes from the direct_build row rather than a project, which
// is what lets OrganizationForEvaluation (caches.go) resolve it later.
func (g *Gateway) InsertDirectEvaluation(ctx context.Context, orgID, commitID, repository, wildcard, createdBy string) (*models.Evaluation, error) {
	eval := models.Evaluation{ID: uuid.NewString(), Repository: repository, Commit: commitID, EvaluationWildcard: wildcard}
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evaluation (id, project, repository, "commit", evaluation_wildcard, status, created_at)
			VALUES ($1, NULL, $2, $3, $4, $5, now())`,
			eval.ID, repository, commitID, wildcard, models.EvaluationQueued); err != nil {
			return orcherr.Transientf("pgstore: insert direct evaluation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO direct_build (id, evaluation, organization, created_by)
			VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), eval.ID, orgID, createdBy); err != nil {
			return orcherr.Transientf("pgstore: insert direct_build: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	eval.Status = models.EvaluationQueued
	return &eval, nil
}

// ClaimNextEvaluation atomically selects the oldest Queued evaluation,
// marks it Evaluating and returns it. Only one concurrent caller wins.
func (g *Gateway) ClaimNextEvaluation(ctx context.Context) (*models.Evaluation, bool, error) {
	var eval models.Evaluation
	found := false
	err := g.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, project, repository, "commit", evaluation_wildcard, status, previous, next, error, created_at
			FROM evaluation
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, models.EvaluationQueued)
		if err := scanEvaluation(row, &eval); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return orcherr.Transientf("pgstore: claim next evaluation: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE evaluation SET status = $1 WHERE id = $2 AND status = $3`,
			models.EvaluationEvaluating, eval.ID, models.EvaluationQueued)
		if err != nil {
			return orcherr.Transientf("pgstore: claim next evaluation update: %w", err)
		}
		ok, err := rowsAffectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			// another caller raced us between SELECT and UPDATE despite the
			// row lock; treat as "nothing claimed" rather than an error.
			return nil
		}
		eval.Status = models.EvaluationEvaluating
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &eval, true, nil
}

// RecordTaskDAG inserts the Build/BuildDependency rows discovered by the
// evaluator in one transaction and transitions the evaluation
// Evaluating->Building, or to Failed if builds is empty.
func (g *Gateway) RecordTaskDAG(ctx context.Context, evalID string, builds []models.Build, edges []models.BuildDependency) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		if len(builds) == 0 {
			return failEvaluationTx(ctx, tx, evalID, "evaluator produced zero builds")
		}
		for _, b := range builds {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO build (id, evaluation, status, path, architecture, dependency_of, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
				b.ID, evalID, models.BuildQueued, b.Path, string(b.Architecture), sqlutil.ToNullString(b.DependencyOf)); err != nil {
				return orcherr.Transientf("pgstore: insert build: %w", err)
			}
			for _, feature := range b.Features {
				if err := insertBuildFeatureTx(ctx, tx, b.ID, feature); err != nil {
					return err
				}
			}
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO build_dependency (id, build, dependency) VALUES ($1, $2, $3)`,
				uuid.NewString(), e.Build, e.Dependency); err != nil {
				return orcherr.Transientf("pgstore: insert build_dependency: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE evaluation SET status = $1 WHERE id = $2 AND status = $3`,
			models.EvaluationBuilding, evalID, models.EvaluationEvaluating)
		if err != nil {
			return orcherr.Transientf("pgstore: transition evaluation to building: %w", err)
		}
		ok, err := rowsAffectedOne(res)
		if err != nil {
			return err
		}
		if !ok {
			return orcherr.DataIntegrityf("pgstore: evaluation %s not in evaluating state", evalID)
		}
		return nil
	})
}

func insertBuildFeatureTx(ctx context.Context, tx *sql.Tx, buildID, feature string) error {
	featureID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO feature (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, featureID, feature); err != nil {
		return orcherr.Transientf("pgstore: upsert feature: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO build_feature (id, build, feature)
		SELECT $1, $2, id FROM feature WHERE name = $3
		ON CONFLICT DO NOTHING`, uuid.NewString(), buildID, feature); err != nil {
		return orcherr.Transientf("pgstore: insert build_feature: %w", err)
	}
	return nil
}

// FailEvaluation marks eval Failed with errText: evaluator exited non-zero,
// timed out, emitted an invalid DAG, or hit a pre-flight error while still
// Queued.
func (g *Gateway) FailEvaluation(ctx context.Context, evalID, errText string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		return failEvaluationTx(ctx, tx, evalID, errText)
	})
}

func failEvaluationTx(ctx context.Context, tx *sql.Tx, evalID, errText string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE evaluation SET status = $1, error = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		models.EvaluationFailed, errText, evalID, models.EvaluationQueued, models.EvaluationEvaluating)
	if err != nil {
		return orcherr.Transientf("pgstore: fail evaluation: %w", err)
	}
	return nil
}

// AbortEvaluation is the user-initiated cancellation entry point: flips a
// non-terminal evaluation to Aborted; the Evaluation Driver's abort watcher
// observes it. Queued builds are aborted here directly so
// the dispatcher never picks them up; builds already Building are not
// interrupted and run to completion on their node.
func (g *Gateway) AbortEvaluation(ctx context.Context, evalID string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE evaluation SET status = $1
			WHERE id = $2 AND status NOT IN ($3, $4, $5)`,
			models.EvaluationAborted, evalID, models.EvaluationCompleted, models.EvaluationFailed, models.EvaluationAborted)
		if err != nil {
			return orcherr.Transientf("pgstore: abort evaluation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE build SET status = $1, updated_at = now()
			WHERE evaluation = $2 AND status = $3`,
			models.BuildAborted, evalID, models.BuildQueued); err != nil {
			return orcherr.Transientf("pgstore: abort queued builds: %w", err)
		}
		return nil
	})
}

// MarkEvaluationTerminal settles eval once every one of its builds is
// terminal: Completed iff all Completed, Failed if any Failed, Aborted if
// all terminal with >=1 Aborted and no Failed. Idempotent: calling it on an
// already-terminal evaluation is a no-op.
func (g *Gateway) MarkEvaluationTerminal(ctx context.Context, evalID string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		var status models.EvaluationStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM evaluation WHERE id = $1`, evalID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return notFound("evaluation", evalID)
			}
			return orcherr.Transientf("pgstore: load evaluation status: %w", err)
		}
		if status.Terminal() {
			return nil // already settled, no-op
		}

		rows, err := tx.QueryContext(ctx, `SELECT status FROM build WHERE evaluation = $1`, evalID)
		if err != nil {
			return orcherr.Transientf("pgstore: load build statuses: %w", err)
		}
		defer rows.Close()

		total, completed, failed, aborted := 0, 0, 0, 0
		for rows.Next() {
			var s models.BuildStatus
			if err := rows.Scan(&s); err != nil {
				return orcherr.Transientf("pgstore: scan build status: %w", err)
			}
			total++
			switch s {
			case models.BuildCompleted:
				completed++
			case models.BuildFailed:
				failed++
			case models.BuildAborted:
				aborted++
			}
		}
		if err := rows.Err(); err != nil {
			return orcherr.Transientf("pgstore: iterate build statuses: %w", err)
		}
		if total == 0 || completed+failed+aborted < total {
			return nil // not every build is terminal yet
		}

		var next models.EvaluationStatus
		switch {
		case failed > 0:
			next = models.EvaluationFailed
		case completed == total:
			next = models.EvaluationCompleted
		default:
			next = models.EvaluationAborted
		}
		if _, err := tx.ExecContext(ctx, `UPDATE evaluation SET status = $1 WHERE id = $2`, next, evalID); err != nil {
			return orcherr.Transientf("pgstore: settle evaluation: %w", err)
		}
		return nil
	})
}

// GetEvaluation loads a single evaluation by id.
func (g *Gateway) GetEvaluation(ctx context.Context, evalID string) (*models.Evaluation, error) {
	var eval models.Evaluation
	row := g.db.QueryRowContext(ctx, `
		SELECT id, project, repository, "commit", evaluation_wildcard, status, previous, next, error, created_at
		FROM evaluation WHERE id = $1`, evalID)
	if err := scanEvaluation(row, &eval); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound("evaluation", evalID)
		}
		return nil, orcherr.Transientf("pgstore: get evaluation: %w", err)
	}
	return &eval, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEvaluation(row scannable, eval *models.Evaluation) error {
	var project, previous, next, errText sql.NullString
	if err := row.Scan(&eval.ID, &project, &eval.Repository, &eval.Commit, &eval.EvaluationWildcard,
		&eval.Status, &previous, &next, &errText, &eval.CreatedAt); err != nil {
		return err
	}
	eval.Project = sqlutil.FromNullString(project)
	eval.Previous = sqlutil.FromNullString(previous)
	eval.Next = sqlutil.FromNullString(next)
	eval.Error = sqlutil.FromNullString(errText)
	return nil
}
