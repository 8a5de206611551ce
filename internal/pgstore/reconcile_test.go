package pgstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
)

type stubHealth map[string]bool

func (h stubHealth) Healthy(nodeID string) bool { return h[nodeID] }

func TestReconcile_ResetsBuildsOnUnhealthyNodes(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, assigned_node FROM build WHERE status = $1")).
		WithArgs(models.BuildBuilding).
		WillReturnRows(sqlmock.NewRows([]string{"id", "assigned_node"}).
			AddRow("build-healthy", "node-up").
			AddRow("build-orphaned", "node-down").
			AddRow("build-nodeless", nil))

	// Only the two orphaned builds are reset, each in its own transaction.
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE build SET status = $1, assigned_node = NULL, updated_at = now()")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	n, err := g.Reconcile(context.Background(), stubHealth{"node-up": true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d builds, want 2 (unhealthy node + missing node)", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompleteBuild_NotBuildingIsDataIntegrity(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE build SET status = $1, updated_at = now() WHERE id = $2 AND status = $3")).
		WithArgs(models.BuildCompleted, "build-1", models.BuildBuilding).
		WillReturnResult(sqlmock.NewResult(0, 0)) // build was aborted meanwhile
	mock.ExpectRollback()

	err := g.CompleteBuild(context.Background(), "build-1", nil)
	if err == nil {
		t.Fatal("expected an error completing a build that is not Building")
	}
	if !orcherr.Is(err, orcherr.DataIntegrity) {
		t.Fatalf("error class = %v, want DataIntegrity", orcherr.Classify(err))
	}
}

func TestResetToQueued_ClearsAssignedNode(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE build SET status = $1, assigned_node = NULL, updated_at = now()")).
		WithArgs(models.BuildQueued, "build-1", models.BuildBuilding).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := g.ResetToQueued(context.Background(), "build-1"); err != nil {
		t.Fatalf("ResetToQueued: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
