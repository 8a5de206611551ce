// Package builddispatch is the Build Dispatcher (BD): the heart of the system.
// It claims ready builds, matches them to nodes through NCP, drives the
// dispatch sequence, and propagates failures across a DAG.
package builddispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/metrics"
	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/ncp"
	"github.com/wavelens/gradient/internal/orcherr"
)

// Gateway is the subset of pgstore.Gateway the dispatcher needs.
type Gateway interface {
	ListOrganizations(ctx context.Context) ([]string, error)
	NextReadyBuilds(ctx context.Context, orgID string, limit int) ([]models.Build, error)
	ListOrganizationNodes(ctx context.Context, orgID string) ([]models.Node, error)
	AssignBuild(ctx context.Context, buildID, nodeID string) (bool, error)
	CompleteBuild(ctx context.Context, buildID string, outputs []models.BuildOutput) error
	FailBuild(ctx context.Context, buildID, log string) error
	AbortDependents(ctx context.Context, ids []string) error
	ResetToQueued(ctx context.Context, buildID string) error
	AppendLog(ctx context.Context, buildID, chunk string) error
	ListDependencyOutputs(ctx context.Context, buildID string) ([]string, error)
	ListEvaluationBuilds(ctx context.Context, evalID string) ([]models.Build, error)
	ListBuildDependencies(ctx context.Context, evalID string) ([]models.BuildDependency, error)
	MarkEvaluationTerminal(ctx context.Context, evalID string) error
	ListActiveOrganizationCaches(ctx context.Context, orgID string) ([]models.Cache, error)
	EnqueuePublications(ctx context.Context, outputID string, cacheIDs []string) error
}

// Pool is the subset of ncp.Pool the dispatcher needs.
type Pool interface {
	Acquire(ctx context.Context, node models.Node, arch models.Architecture, features []string) (*ncp.Lease, error)
}

// Store is the orchestrator-local content-addressed store: the dispatcher
// asks it what's missing remotely and hands it the bytes to push/pull.
type Store interface {
	ncp.PathTransfer
}

// Config holds the BD's tunable knobs.
type Config struct {
	MaxBuilds  int
	MaxRetries int // connection-level retries before giving up
}

func DefaultConfig() Config {
	return Config{MaxBuilds: 8, MaxRetries: 3}
}

// Dispatcher runs the BD control loop.
type Dispatcher struct {
	gw    Gateway
	pool  Pool
	store Store
	log   *zap.Logger
	cfg   Config

	sem chan struct{}

	mu       sync.Mutex
	rotation map[string]int // org -> index into its node list, round-robin cursor
	attempts map[string]int // build id -> connection-retry attempts so far

	metrics *metrics.Registry // optional; nil-safe, see SetMetrics
}

// SetMetrics attaches a metrics registry the dispatcher updates on every
// tick. Purely observational: never consulted for scheduling decisions.
func (d *Dispatcher) SetMetrics(m *metrics.Registry) { d.metrics = m }

func New(gw Gateway, pool Pool, store Store, log *zap.Logger, cfg Config) *Dispatcher {
	if cfg.MaxBuilds <= 0 {
		cfg.MaxBuilds = 1
	}
	return &Dispatcher{
		gw:       gw,
		pool:     pool,
		store:    store,
		log:      log,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxBuilds),
		rotation: make(map[string]int),
		attempts: make(map[string]int),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return eg.Wait()
		case <-ticker.C:
		}
		if err := d.tick(ctx, eg); err != nil {
			d.log.Warn("dispatch tick failed", zap.Error(err))
		}
	}
}

// tick claims as many ready builds as there is free capacity for, across
// every organization, and dispatches each on its own goroutine.
func (d *Dispatcher) tick(ctx context.Context, eg *errgroup.Group) error {
	if d.metrics != nil {
		d.metrics.BuildsInFlight.Set(float64(len(d.sem)))
	}
	queueDepth := 0
	if d.metrics != nil {
		defer func() { d.metrics.BuildQueueDepth.Set(float64(queueDepth)) }()
	}
	orgs, err := d.gw.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	for _, orgID := range orgs {
		free := d.freeCapacity()
		if free <= 0 {
			return nil
		}
		builds, err := d.gw.NextReadyBuilds(ctx, orgID, free)
		if err != nil {
			d.log.Warn("next_ready_builds failed", zap.String("org", orgID), zap.Error(err))
			continue
		}
		queueDepth += len(builds)
		nodes, err := d.gw.ListOrganizationNodes(ctx, orgID)
		if err != nil {
			d.log.Warn("list_organization_nodes failed", zap.String("org", orgID), zap.Error(err))
			continue
		}
		for _, b := range builds {
			select {
			case d.sem <- struct{}{}:
			default:
				continue // no capacity, try again next tick
			}
			b := b
			eg.Go(func() error {
				defer func() { <-d.sem }()
				d.dispatchOne(ctx, orgID, b, nodes)
				return nil // one build's failure never tears down the loop
			})
		}
	}
	return nil
}

func (d *Dispatcher) freeCapacity() int {
	return cap(d.sem) - len(d.sem)
}

// dispatchOne runs the full dispatch sequence for one ready build.
func (d *Dispatcher) dispatchOne(ctx context.Context, orgID string, b models.Build, nodes []models.Node) {
	node, lease, err := d.matchNode(ctx, orgID, b, nodes)
	if err != nil {
		if err == errUnsatisfiable {
			if failErr := d.gw.FailBuild(ctx, b.ID, "unsatisfiable: no node in the organization declares the required architecture and features"); failErr != nil {
				d.log.Error("fail_build (unsatisfiable) failed", zap.String("build", b.ID), zap.Error(failErr))
			}
			d.propagateFailure(ctx, b)
			d.settle(ctx, b.Evaluation)
		}
		return // every node busy/unhealthy this tick; retry next tick
	}
	defer lease.Release()

	won, err := d.gw.AssignBuild(ctx, b.ID, node.ID)
	if err != nil {
		d.log.Warn("assign_build failed", zap.String("build", b.ID), zap.Error(err))
		return
	}
	if !won {
		return // another dispatcher process already won the CAS race
	}

	if err := d.runBuild(ctx, orgID, b, node, lease); err != nil {
		d.handleDispatchError(ctx, b, err)
	}
}

var errUnsatisfiable = xerrors.New("builddispatch: unsatisfiable")

// matchNode iterates orgID's nodes in a stable least-recently-used
// rotation, asking NCP for a lease on the first one that accepts.
func (d *Dispatcher) matchNode(ctx context.Context, orgID string, b models.Build, nodes []models.Node) (models.Node, *ncp.Lease, error) {
	if len(nodes) == 0 {
		return models.Node{}, nil, errUnsatisfiable
	}
	satisfiable := false
	start := d.rotationCursor(orgID, len(nodes))
	for i := 0; i < len(nodes); i++ {
		node := nodes[(start+i)%len(nodes)]
		if node.Satisfies(b.Architecture, b.Features) {
			satisfiable = true
		}
		lease, err := d.pool.Acquire(ctx, node, b.Architecture, b.Features)
		if err == nil {
			d.advanceRotation(orgID, len(nodes))
			return node, lease, nil
		}
	}
	if !satisfiable {
		return models.Node{}, nil, errUnsatisfiable
	}
	return models.Node{}, nil, ncp.ErrUnavailable
}

func (d *Dispatcher) rotationCursor(orgID string, n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotation[orgID] % n
}

func (d *Dispatcher) advanceRotation(orgID string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rotation[orgID] = (d.rotation[orgID] + 1) % n
}

// runBuild performs steps 2-4 of the dispatch sequence once a lease is held
// and the CAS to Building has won.
func (d *Dispatcher) runBuild(ctx context.Context, orgID string, b models.Build, node models.Node, lease *ncp.Lease) error {
	// The remote needs the build's own derivation plus every Completed
	// predecessor's outputs; query_missing prunes what the node already
	// holds.
	depOutputs, err := d.gw.ListDependencyOutputs(ctx, b.ID)
	if err != nil {
		return orcherr.Transientf("builddispatch: list dependency outputs: %w", err)
	}
	wanted := append([]string{b.Path}, depOutputs...)
	missing, err := lease.Session.QueryMissing(ctx, wanted)
	if err != nil {
		return orcherr.Transientf("builddispatch: query_missing: %w", err)
	}
	if len(missing) > 0 {
		if err := lease.Session.CopyPaths(ctx, "push", missing, d.store); err != nil {
			return orcherr.Transientf("builddispatch: copy_paths push: %w", err)
		}
	}

	var logBuf []byte
	result, err := lease.Session.Build(ctx, b.Path, func(line string) {
		logBuf = append(logBuf, line...)
		logBuf = append(logBuf, '\n')
		if appendErr := d.gw.AppendLog(ctx, b.ID, line+"\n"); appendErr != nil {
			d.log.Warn("append_log failed", zap.String("build", b.ID), zap.Error(appendErr))
		}
	})
	if err != nil {
		return orcherr.Transientf("builddispatch: build: %w", err)
	}

	if !result.Succeeded {
		if failErr := d.gw.FailBuild(ctx, b.ID, result.Log); failErr != nil {
			return failErr
		}
		d.propagateFailure(ctx, b)
		d.settle(ctx, b.Evaluation)
		return nil
	}

	if err := lease.Session.CopyPaths(ctx, "pull", []string{b.Path}, d.store); err != nil {
		return orcherr.Transientf("builddispatch: copy_paths pull: %w", err)
	}
	outputs := []models.BuildOutput{{ID: uuid.NewString(), Build: b.ID, Name: "out", Output: b.Path, Package: b.Path}}
	if err := d.gw.CompleteBuild(ctx, b.ID, outputs); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.attempts, b.ID)
	d.mu.Unlock()
	d.enqueuePublications(ctx, orgID, b, outputs)
	d.settle(ctx, b.Evaluation)
	return nil
}

// handleDispatchError applies the retry policy: connection-level failures
// are retried up to MaxRetries by resetting the build to Queued for
// reassignment; anything else (already persisted by runBuild) is left as is.
func (d *Dispatcher) handleDispatchError(ctx context.Context, b models.Build, err error) {
	if orcherr.Classify(err) != orcherr.Transient {
		d.log.Error("build dispatch failed", zap.String("build", b.ID), zap.Error(err))
		return
	}
	d.mu.Lock()
	d.attempts[b.ID]++
	attempts := d.attempts[b.ID]
	d.mu.Unlock()
	if attempts > d.cfg.MaxRetries {
		d.mu.Lock()
		delete(d.attempts, b.ID)
		d.mu.Unlock()
		if failErr := d.gw.FailBuild(ctx, b.ID, err.Error()); failErr != nil {
			d.log.Error("fail_build after exhausting retries failed", zap.String("build", b.ID), zap.Error(failErr))
			return
		}
		d.propagateFailure(ctx, b)
		d.settle(ctx, b.Evaluation)
		return
	}
	if resetErr := d.gw.ResetToQueued(ctx, b.ID); resetErr != nil {
		d.log.Error("reset_to_queued failed", zap.String("build", b.ID), zap.Error(resetErr))
	}
}

// propagateFailure marks every transitive dependent of a failed build
// Aborted in one call.
func (d *Dispatcher) propagateFailure(ctx context.Context, b models.Build) {
	builds, err := d.gw.ListEvaluationBuilds(ctx, b.Evaluation)
	if err != nil {
		d.log.Error("list_evaluation_builds failed", zap.String("evaluation", b.Evaluation), zap.Error(err))
		return
	}
	edges, err := d.gw.ListBuildDependencies(ctx, b.Evaluation)
	if err != nil {
		d.log.Error("list_build_dependencies failed", zap.String("evaluation", b.Evaluation), zap.Error(err))
		return
	}
	graph := newDependentGraph(builds, edges)
	dependents := graph.TransitiveDependents(b.ID)
	if len(dependents) == 0 {
		return
	}
	if err := d.gw.AbortDependents(ctx, dependents); err != nil {
		d.log.Error("abort_dependents failed", zap.String("evaluation", b.Evaluation), zap.Error(err))
	}
}

// settle calls mark_evaluation_terminal, which no-ops until the last build
// in the evaluation has settled.
func (d *Dispatcher) settle(ctx context.Context, evalID string) {
	if err := d.gw.MarkEvaluationTerminal(ctx, evalID); err != nil {
		d.log.Error("mark_evaluation_terminal failed", zap.String("evaluation", evalID), zap.Error(err))
	}
}

// enqueuePublications schedules a cache publication for every
// organization-active cache.
func (d *Dispatcher) enqueuePublications(ctx context.Context, orgID string, b models.Build, outputs []models.BuildOutput) {
	caches, err := d.gw.ListActiveOrganizationCaches(ctx, orgID)
	if err != nil {
		d.log.Warn("list_active_organization_caches failed", zap.String("build", b.ID), zap.Error(err))
		return
	}
	if len(caches) == 0 {
		return
	}
	cacheIDs := make([]string, len(caches))
	for i, c := range caches {
		cacheIDs[i] = c.ID
	}
	for _, out := range outputs {
		if err := d.gw.EnqueuePublications(ctx, out.ID, cacheIDs); err != nil {
			d.log.Warn("enqueue_publications failed", zap.String("output", out.ID), zap.Error(err))
		}
	}
}
