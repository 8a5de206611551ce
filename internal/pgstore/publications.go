package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/wavelens/gradient/internal/orcherr"
)

// PublicationStatus mirrors the cache_publication.status column.
type PublicationStatus int32

const (
	PublicationPending PublicationStatus = iota
	PublicationDone
	PublicationAbandoned
)

// Publication is one (BuildOutput, Cache) pair awaiting upload.
type Publication struct {
	ID            string
	BuildOutput   string
	Cache         string
	Status        PublicationStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     *string
}

// EnqueuePublications durably queues one publication per (output, cache)
// pair, called by builddispatch right after complete_build for every
// organization-active cache.
func (g *Gateway) EnqueuePublications(ctx context.Context, outputID string, cacheIDs []string) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		for _, cacheID := range cacheIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cache_publication (id, build_output, cache, status, next_attempt_at, created_at)
				VALUES ($1, $2, $3, $4, now(), now())
				ON CONFLICT (build_output, cache) DO NOTHING`,
				uuid.NewString(), outputID, cacheID, PublicationPending); err != nil {
				return orcherr.Transientf("pgstore: enqueue cache publication: %w", err)
			}
		}
		return nil
	})
}

// NextPendingPublications returns up to limit publications due for an
// attempt, used by internal/cachepublish's drain loop.
func (g *Gateway) NextPendingPublications(ctx context.Context, limit int) ([]Publication, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, build_output, cache, status, attempts, next_attempt_at, last_error
		FROM cache_publication
		WHERE status = $1 AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $2`, PublicationPending, limit)
	if err != nil {
		return nil, orcherr.Transientf("pgstore: next pending publications: %w", err)
	}
	defer rows.Close()

	var out []Publication
	for rows.Next() {
		var p Publication
		var lastError sql.NullString
		if err := rows.Scan(&p.ID, &p.BuildOutput, &p.Cache, &p.Status, &p.Attempts, &p.NextAttemptAt, &lastError); err != nil {
			return nil, orcherr.Transientf("pgstore: scan publication: %w", err)
		}
		if lastError.Valid {
			v := lastError.String
			p.LastError = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompletePublication records a signature and marks the publication Done.
func (g *Gateway) CompletePublication(ctx context.Context, pubID, outputID, cacheID string, signature []byte) error {
	return g.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO build_output_signature (id, build_output, cache, signature, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (build_output, cache) DO UPDATE SET signature = EXCLUDED.signature`,
			uuid.NewString(), outputID, cacheID, signature); err != nil {
			return orcherr.Transientf("pgstore: insert build_output_signature: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE build_output SET is_cached = true WHERE id = $1`, outputID); err != nil {
			return orcherr.Transientf("pgstore: mark output cached: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cache_publication SET status = $1 WHERE id = $2`, PublicationDone, pubID); err != nil {
			return orcherr.Transientf("pgstore: complete publication: %w", err)
		}
		return nil
	})
}

// RetryPublication records a failed attempt and reschedules it for delay
// from now, or abandons it once abandon is true. Persistent failure is
// logged by the caller and never fails the owning build.
func (g *Gateway) RetryPublication(ctx context.Context, pubID string, attempts int, delay time.Duration, lastErr string, abandon bool) error {
	status := PublicationPending
	if abandon {
		status = PublicationAbandoned
	}
	_, err := g.db.ExecContext(ctx, `
		UPDATE cache_publication
		SET status = $1, attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $5`,
		status, attempts, time.Now().Add(delay), lastErr, pubID)
	if err != nil {
		return orcherr.Transientf("pgstore: retry publication: %w", err)
	}
	return nil
}
