package pgstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"github.com/wavelens/gradient/internal/models"
)

func newTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return OpenWithDB(db, zap.NewNop()), mock
}

func TestAssignBuild_LosesRace(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE build SET status = $1, assigned_node = $2, updated_at = now()")).
		WithArgs(models.BuildBuilding, "node-1", "build-1", models.BuildQueued).
		WillReturnResult(sqlmock.NewResult(0, 0)) // another dispatcher already won
	mock.ExpectCommit()

	ok, err := g.AssignBuild(context.Background(), "build-1", "node-1")
	if err != nil {
		t.Fatalf("AssignBuild: %v", err)
	}
	if ok {
		t.Fatal("expected AssignBuild to report losing the CAS race, got true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignBuild_Wins(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE build SET status = $1, assigned_node = $2, updated_at = now()")).
		WithArgs(models.BuildBuilding, "node-1", "build-1", models.BuildQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := g.AssignBuild(context.Background(), "build-1", "node-1")
	if err != nil {
		t.Fatalf("AssignBuild: %v", err)
	}
	if !ok {
		t.Fatal("expected AssignBuild to win the CAS, got false")
	}
}

func TestMarkEvaluationTerminal_NoOpWhenAlreadyTerminal(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM evaluation WHERE id = $1")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.EvaluationCompleted))
	mock.ExpectCommit()

	if err := g.MarkEvaluationTerminal(context.Background(), "eval-1"); err != nil {
		t.Fatalf("MarkEvaluationTerminal: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEvaluationTerminal_SettlesFailedWhenAnyBuildFailed(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM evaluation WHERE id = $1")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.EvaluationBuilding))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM build WHERE evaluation = $1")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).
			AddRow(models.BuildFailed).
			AddRow(models.BuildAborted).
			AddRow(models.BuildAborted))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE evaluation SET status = $1 WHERE id = $2")).
		WithArgs(models.EvaluationFailed, "eval-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := g.MarkEvaluationTerminal(context.Background(), "eval-1"); err != nil {
		t.Fatalf("MarkEvaluationTerminal: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEvaluationTerminal_LeavesNonTerminalAlone(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM evaluation WHERE id = $1")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.EvaluationBuilding))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM build WHERE evaluation = $1")).
		WithArgs("eval-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).
			AddRow(models.BuildCompleted).
			AddRow(models.BuildBuilding))
	mock.ExpectCommit()

	if err := g.MarkEvaluationTerminal(context.Background(), "eval-1"); err != nil {
		t.Fatalf("MarkEvaluationTerminal: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimNextEvaluation_NoneQueued(t *testing.T) {
	g, mock := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, project, repository, \"commit\", evaluation_wildcard, status, previous, next, error, created_at")).
		WithArgs(models.EvaluationQueued).
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectCommit()

	eval, ok, err := g.ClaimNextEvaluation(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextEvaluation: %v", err)
	}
	if ok || eval != nil {
		t.Fatalf("expected no evaluation claimed, got %+v", eval)
	}
}

func TestClaimNextEvaluation_ClaimsOldestQueued(t *testing.T) {
	g, mock := newTestGateway(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, project, repository, \"commit\", evaluation_wildcard, status, previous, next, error, created_at")).
		WithArgs(models.EvaluationQueued).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project", "repository", "commit", "evaluation_wildcard", "status", "previous", "next", "error", "created_at",
		}).AddRow("eval-1", nil, "https://example.com/repo.git", "commit-1", "*", models.EvaluationQueued, nil, nil, nil, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE evaluation SET status = $1 WHERE id = $2 AND status = $3")).
		WithArgs(models.EvaluationEvaluating, "eval-1", models.EvaluationQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	eval, ok, err := g.ClaimNextEvaluation(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextEvaluation: %v", err)
	}
	if !ok || eval == nil {
		t.Fatal("expected an evaluation to be claimed")
	}
	if eval.Status != models.EvaluationEvaluating {
		t.Fatalf("expected status Evaluating, got %v", eval.Status)
	}
}
