// Package evaldriver is the Evaluation Driver (ED): it claims
// queued evaluations, shallow-clones the project repository, runs the
// external evaluator, and turns its output into a validated task DAG.
package evaldriver

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/metrics"
	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
)

func newBuildID() string { return uuid.NewString() }

// Gateway is the subset of pgstore.Gateway the driver needs, kept narrow so
// tests can substitute a fake.
type Gateway interface {
	ClaimNextEvaluation(ctx context.Context) (*models.Evaluation, bool, error)
	RecordTaskDAG(ctx context.Context, evalID string, builds []models.Build, edges []models.BuildDependency) error
	FailEvaluation(ctx context.Context, evalID, errText string) error
	GetEvaluation(ctx context.Context, evalID string) (*models.Evaluation, error)
}

// Config holds the ED's tunable knobs.
type Config struct {
	MaxEval           int
	EvaluationTimeout time.Duration
	BasePath          string // scratch root
	BinGit            string
	BinNix            string
	PollInterval      time.Duration // base poll interval, jittered
}

// DefaultConfig holds the defaults cmd/orchestratord starts from.
func DefaultConfig() Config {
	return Config{
		MaxEval:           4,
		EvaluationTimeout: 30 * time.Minute,
		BasePath:          os.TempDir(),
		BinGit:            "git",
		BinNix:            "nix",
		PollInterval:      time.Second,
	}
}

// Driver runs the ED control loop.
type Driver struct {
	gw      Gateway
	log     *zap.Logger
	cfg     Config
	sem     chan struct{}
	metrics *metrics.Registry // optional; nil-safe, see SetMetrics
}

func New(gw Gateway, log *zap.Logger, cfg Config) *Driver {
	if cfg.MaxEval <= 0 {
		cfg.MaxEval = 1
	}
	return &Driver{gw: gw, log: log, cfg: cfg, sem: make(chan struct{}, cfg.MaxEval)}
}

// SetMetrics attaches a metrics registry the driver updates on every claim
// attempt. Purely observational.
func (d *Driver) SetMetrics(m *metrics.Registry) { d.metrics = m }

// Run ticks until ctx is cancelled, claiming and evaluating work as
// semaphore permits free up.
func (d *Driver) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return eg.Wait()
		case d.sem <- struct{}{}:
		}
		if d.metrics != nil {
			d.metrics.EvaluationsInFlight.Set(float64(len(d.sem)))
		}

		eval, ok, err := d.gw.ClaimNextEvaluation(ctx)
		if err != nil {
			<-d.sem
			if orcherr.Is(err, orcherr.Fatal) {
				return err
			}
			d.log.Warn("claim_next_evaluation failed", zap.Error(err))
			d.sleep(ctx)
			continue
		}
		if !ok {
			<-d.sem
			d.sleep(ctx)
			continue
		}

		eg.Go(func() error {
			defer func() { <-d.sem }()
			evalCtx, cancel := context.WithTimeout(ctx, d.cfg.EvaluationTimeout)
			defer cancel()
			if err := d.evaluate(evalCtx, eval); err != nil {
				d.log.Error("evaluation failed", zap.String("evaluation", eval.ID), zap.Error(err))
			}
			return nil // a single evaluation's failure never tears down the loop
		})
	}
}

// sleep waits a jittered poll interval or until ctx is cancelled.
func (d *Driver) sleep(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(d.cfg.PollInterval)))
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.PollInterval/2 + jitter):
	}
}

// evaluate runs one claimed evaluation end to end: clone, run evaluator,
// build and record the DAG, cleaning up the scratch directory on every exit
// path.
func (d *Driver) evaluate(ctx context.Context, eval *models.Evaluation) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.watchForAbort(ctx, cancel, eval.ID)

	scratch, err := os.MkdirTemp(d.cfg.BasePath, "gradient-eval-")
	if err != nil {
		return d.fail(ctx, eval.ID, orcherr.Transientf("evaldriver: scratch dir: %w", err))
	}
	defer os.RemoveAll(scratch)

	if err := d.clone(ctx, eval.Repository, eval.Commit, scratch); err != nil {
		return d.fail(ctx, eval.ID, err)
	}

	records, stderr, err := d.runEvaluator(ctx, scratch, eval.EvaluationWildcard)
	if err != nil {
		return d.fail(ctx, eval.ID, xerrors.Errorf("%s: %w", stderr, err))
	}

	planned, err := BuildDAG(records)
	if err != nil {
		return d.fail(ctx, eval.ID, err)
	}

	builds, edges := materialize(eval.ID, planned)
	if err := d.gw.RecordTaskDAG(ctx, eval.ID, builds, edges); err != nil {
		return d.fail(ctx, eval.ID, err)
	}
	return nil
}

// watchForAbort polls for the evaluation's row transitioning to Aborted via
// the API and cancels the worker's context when it does, so the subprocess
// tree gets reaped through exec.CommandContext.
func (d *Driver) watchForAbort(ctx context.Context, cancel context.CancelFunc, evalID string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eval, err := d.gw.GetEvaluation(ctx, evalID)
			if err != nil {
				continue
			}
			if eval.Status == models.EvaluationAborted {
				cancel()
				return
			}
		}
	}
}

// fail records the evaluation as Failed. The write uses a context detached
// from the worker's, since the most common reasons to be here (timeout,
// abort) have already cancelled it.
func (d *Driver) fail(ctx context.Context, evalID string, cause error) error {
	if err := d.gw.FailEvaluation(context.WithoutCancel(ctx), evalID, cause.Error()); err != nil {
		return xerrors.Errorf("evaldriver: recording failure for %s: %w (original cause: %v)", evalID, err, cause)
	}
	return cause
}

// clone shallow-clones repo at commit into scratch/src.
func (d *Driver) clone(ctx context.Context, repo, commit, scratch string) error {
	dest := filepath.Join(scratch, "src")
	cmd := exec.CommandContext(ctx, d.cfg.BinGit, "clone", "--depth=1", repo, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return orcherr.Transientf("evaldriver: clone %s: %v: %w", repo, stderr.String(), err)
	}

	reset := exec.CommandContext(ctx, d.cfg.BinGit, "-C", dest, "reset", "--hard", commit)
	stderr.Reset()
	reset.Stderr = &stderr
	if err := reset.Run(); err != nil {
		return orcherr.EvaluationFailuref("evaldriver: checkout %s at %s: %v: %w", repo, commit, stderr.String(), err)
	}
	return nil
}

// runEvaluator invokes the external evaluator, collecting its line-delimited
// JSON stdout and its stderr.
func (d *Driver) runEvaluator(ctx context.Context, scratch, wildcard string) ([]record, string, error) {
	cmd := exec.CommandContext(ctx, d.cfg.BinNix, "eval", "--json", "--expr", wildcard)
	cmd.Dir = filepath.Join(scratch, "src")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", orcherr.Transientf("evaldriver: evaluator stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, "", orcherr.Transientf("evaldriver: starting evaluator: %w", err)
	}
	records, parseErr := ParseRecords(stdout)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return nil, stderr.String(), orcherr.EvaluationFailuref("evaldriver: evaluator exited: %w", waitErr)
	}
	if parseErr != nil {
		return nil, stderr.String(), parseErr
	}
	return records, stderr.String(), nil
}

// materialize mints Build ids for every planned path and translates
// path-keyed dependencies into BuildDependency edges.
func materialize(evalID string, planned []PlannedBuild) ([]models.Build, []models.BuildDependency) {
	ids := make(map[string]string, len(planned))
	for _, p := range planned {
		ids[p.Path] = newBuildID()
	}
	builds := make([]models.Build, 0, len(planned))
	var edges []models.BuildDependency
	for _, p := range planned {
		builds = append(builds, models.Build{
			ID:           ids[p.Path],
			Evaluation:   evalID,
			Status:       models.BuildQueued,
			Path:         p.Path,
			Architecture: p.Architecture,
			Features:     p.Features,
		})
		for _, dep := range p.Dependencies {
			edges = append(edges, models.BuildDependency{
				Build:      ids[p.Path],
				Dependency: ids[dep],
			})
		}
	}
	return builds, edges
}
