package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wavelens/gradient/internal/builddispatch"
	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/ncp"
)

// fakeStore is a no-op PathTransfer: every scenario here runs builds on
// fake sessions that never actually move bytes.
type fakeStore struct{}

func (fakeStore) ReadPath(path string) ([]byte, error)     { return []byte(path), nil }
func (fakeStore) WritePath(path string, data []byte) error { return nil }

// concurrencyTracker records the high-water mark of simultaneously
// in-flight builds, used by the concurrency-cap test.
type concurrencyTracker struct {
	mu      sync.Mutex
	current int
	max     int
}

func (c *concurrencyTracker) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	if c.current > c.max {
		c.max = c.current
	}
}

func (c *concurrencyTracker) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current--
}

func (c *concurrencyTracker) maxSeen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// trackingSession wraps an ncp.Session, recording Build's occupancy against
// a shared concurrencyTracker and holding the slot briefly so concurrent
// dispatches actually overlap in the test.
type trackingSession struct {
	ncp.Session
	tracker *concurrencyTracker
}

func (s trackingSession) Build(ctx context.Context, path string, onLog func(line string)) (ncp.BuildResult, error) {
	s.tracker.enter()
	defer s.tracker.leave()
	time.Sleep(50 * time.Millisecond)
	return s.Session.Build(ctx, path, onLog)
}

// trackedPool wraps a builddispatch.Pool, installing a trackingSession on
// every acquired lease.
type trackedPool struct {
	*ncp.Pool
	tracker *concurrencyTracker
}

func (p trackedPool) Acquire(ctx context.Context, node models.Node, arch models.Architecture, features []string) (*ncp.Lease, error) {
	lease, err := p.Pool.Acquire(ctx, node, arch, features)
	if err != nil {
		return nil, err
	}
	lease.Session = trackingSession{Session: lease.Session, tracker: p.tracker}
	return lease, nil
}

// waitFor polls cond until it returns true or the deadline elapses, failing
// the test otherwise. The dispatcher ticks every 500ms so scenarios give it
// a generous multiple of that.
func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", deadline)
	}
}

func seedDAG(gw *MemGateway, orgID string, builds []models.Build, edges []models.BuildDependency) *models.Evaluation {
	eval := gw.EnqueueEvaluation(orgID, models.Evaluation{CreatedAt: time.Now()})
	if err := gw.RecordTaskDAG(context.Background(), eval.ID, builds, edges); err != nil {
		panic(err)
	}
	return eval
}

func newNode(orgID, host string) models.Node {
	return models.Node{
		ID:            host + "-id",
		Organization:  orgID,
		Host:          host,
		Port:          22,
		Architectures: []models.Architecture{models.ArchX86_64Linux},
	}
}

// Happy path: one build, one satisfying node, expect Completed with
// exactly one BuildOutput row.
func TestSingleBuildHappyPath(t *testing.T) {
	gw := NewMemGateway()
	orgID := "org-1"
	gw.AddOrganization(models.Organization{ID: orgID})
	node := newNode(orgID, "n1")
	gw.AddNode(node)

	pool := ncp.New(zap.NewNop(), ncp.NewFakeDialer(ncp.NewFakeSession), nil)
	pool.Register(node, 1)

	build := models.Build{ID: "A", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/A", CreatedAt: time.Now()}
	eval := seedDAG(gw, orgID, []models.Build{build}, nil)

	d := builddispatch.New(gw, pool, fakeStore{}, zap.NewNop(), builddispatch.Config{MaxBuilds: 4, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return gw.Evaluation(eval.ID).Status == models.EvaluationCompleted })

	if got := gw.Build(build.ID).Status; got != models.BuildCompleted {
		t.Fatalf("build status = %v, want Completed", got)
	}
	if gw.OutputCount() != 1 {
		t.Fatalf("output count = %d, want 1", gw.OutputCount())
	}
}

// Failure propagation: B and C both depend on A; A fails; expect
// A=Failed, B=Aborted, C=Aborted, evaluation=Failed.
func TestFailurePropagation(t *testing.T) {
	gw := NewMemGateway()
	orgID := "org-1"
	gw.AddOrganization(models.Organization{ID: orgID})
	node := newNode(orgID, "n1")
	gw.AddNode(node)

	failing := ncp.NewFakeSession()
	failing.BuildResult = ncp.BuildResult{Succeeded: false, Log: "build failed"}
	pool := ncp.New(zap.NewNop(), ncp.NewFakeDialer(func() *ncp.FakeSession { return failing }), nil)
	pool.Register(node, 1)

	a := models.Build{ID: "A", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/A", CreatedAt: time.Now()}
	b := models.Build{ID: "B", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/B", CreatedAt: time.Now()}
	c := models.Build{ID: "C", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/C", CreatedAt: time.Now()}
	edges := []models.BuildDependency{{Build: "B", Dependency: "A"}, {Build: "C", Dependency: "A"}}
	eval := seedDAG(gw, orgID, []models.Build{a, b, c}, edges)

	d := builddispatch.New(gw, pool, fakeStore{}, zap.NewNop(), builddispatch.Config{MaxBuilds: 4, MaxRetries: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return gw.Evaluation(eval.ID).Status == models.EvaluationFailed })

	if got := gw.Build("A").Status; got != models.BuildFailed {
		t.Fatalf("A status = %v, want Failed", got)
	}
	if got := gw.Build("B").Status; got != models.BuildAborted {
		t.Fatalf("B status = %v, want Aborted", got)
	}
	if got := gw.Build("C").Status; got != models.BuildAborted {
		t.Fatalf("C status = %v, want Aborted", got)
	}
	if gw.OutputCount() != 0 {
		t.Fatalf("output count = %d, want 0 (no cache publications for a failed DAG)", gw.OutputCount())
	}
}

// Linear dependency: B depends on A; B must stay Queued until A
// completes, then the whole evaluation settles Completed.
func TestLinearDependencyOrdering(t *testing.T) {
	gw := NewMemGateway()
	orgID := "org-1"
	gw.AddOrganization(models.Organization{ID: orgID})
	node := newNode(orgID, "n1")
	gw.AddNode(node)

	var sawBQueuedWhileABuilding atomic.Bool
	session := ncp.NewFakeSession()
	pool := ncp.New(zap.NewNop(), ncp.NewFakeDialer(func() *ncp.FakeSession { return session }), nil)
	pool.Register(node, 1)

	a := models.Build{ID: "A", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/A", CreatedAt: time.Now()}
	b := models.Build{ID: "B", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/B", CreatedAt: time.Now()}
	eval := seedDAG(gw, orgID, []models.Build{a, b}, []models.BuildDependency{{Build: "B", Dependency: "A"}})

	d := builddispatch.New(gw, probePool{pool, func(path string) {
		if path == "/store/A" && gw.Build("A").Status == models.BuildBuilding && gw.Build("B").Status == models.BuildQueued {
			sawBQueuedWhileABuilding.Store(true)
		}
	}}, fakeStore{}, zap.NewNop(), builddispatch.Config{MaxBuilds: 4, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 3*time.Second, func() bool { return gw.Evaluation(eval.ID).Status == models.EvaluationCompleted })

	if got := gw.Build("A").Status; got != models.BuildCompleted {
		t.Fatalf("A status = %v, want Completed", got)
	}
	if got := gw.Build("B").Status; got != models.BuildCompleted {
		t.Fatalf("B status = %v, want Completed", got)
	}
	if !sawBQueuedWhileABuilding.Load() {
		t.Fatal("never observed B held Queued while A was Building")
	}
}

// probePool wraps acquired sessions so the test can observe build-state
// interleavings at the moment the remote build runs.
type probePool struct {
	*ncp.Pool
	probe func(path string)
}

func (p probePool) Acquire(ctx context.Context, node models.Node, arch models.Architecture, features []string) (*ncp.Lease, error) {
	lease, err := p.Pool.Acquire(ctx, node, arch, features)
	if err != nil {
		return nil, err
	}
	lease.Session = probeSession{Session: lease.Session, probe: p.probe}
	return lease, nil
}

type probeSession struct {
	ncp.Session
	probe func(path string)
}

func (s probeSession) Build(ctx context.Context, path string, onLog func(line string)) (ncp.BuildResult, error) {
	s.probe(path)
	return s.Session.Build(ctx, path, onLog)
}

// Unsatisfiable: the build's architecture is declared by no node in the
// organization; it must fail with the unsatisfiable reason within one tick
// and settle the evaluation Failed.
func TestUnsatisfiableBuildFails(t *testing.T) {
	gw := NewMemGateway()
	orgID := "org-1"
	gw.AddOrganization(models.Organization{ID: orgID})
	node := newNode(orgID, "n1") // declares only x86_64-linux
	gw.AddNode(node)

	pool := ncp.New(zap.NewNop(), ncp.NewFakeDialer(ncp.NewFakeSession), nil)
	pool.Register(node, 1)

	build := models.Build{ID: "A", Status: models.BuildQueued, Architecture: models.ArchAarch64Darwin, Path: "/store/A", CreatedAt: time.Now()}
	eval := seedDAG(gw, orgID, []models.Build{build}, nil)

	d := builddispatch.New(gw, pool, fakeStore{}, zap.NewNop(), builddispatch.Config{MaxBuilds: 4, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return gw.Evaluation(eval.ID).Status == models.EvaluationFailed })

	got := gw.Build("A")
	if got.Status != models.BuildFailed {
		t.Fatalf("A status = %v, want Failed", got.Status)
	}
	if got.Log == nil || !strings.Contains(*got.Log, "unsatisfiable") {
		t.Fatalf("A log = %v, want the unsatisfiable reason", got.Log)
	}
}

// Concurrency cap: MAX_BUILDS=2, four independent builds, two nodes
// each capacity 1; expect at most two builds Building at any instant and
// all four eventually Completed.
func TestConcurrencyCap(t *testing.T) {
	gw := NewMemGateway()
	orgID := "org-1"
	gw.AddOrganization(models.Organization{ID: orgID})
	n1 := newNode(orgID, "n1")
	n2 := newNode(orgID, "n2")
	gw.AddNode(n1)
	gw.AddNode(n2)

	tracker := &concurrencyTracker{}
	pool := ncp.New(zap.NewNop(), ncp.NewFakeDialer(func() *ncp.FakeSession { return ncp.NewFakeSession() }), nil)
	pool.Register(n1, 1)
	pool.Register(n2, 1)

	builds := []models.Build{
		{ID: "A", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/A", CreatedAt: time.Now()},
		{ID: "B", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/B", CreatedAt: time.Now()},
		{ID: "C", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/C", CreatedAt: time.Now()},
		{ID: "D", Status: models.BuildQueued, Architecture: models.ArchX86_64Linux, Path: "/store/D", CreatedAt: time.Now()},
	}
	eval := seedDAG(gw, orgID, builds, nil)

	d := builddispatch.New(gw, trackedPool{pool, tracker}, fakeStore{}, zap.NewNop(), builddispatch.Config{MaxBuilds: 2, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 3*time.Second, func() bool { return gw.Evaluation(eval.ID).Status == models.EvaluationCompleted })

	if seen := tracker.maxSeen(); seen > 2 {
		t.Fatalf("observed %d builds in flight at once, want <= 2", seen)
	}
	for _, b := range builds {
		if got := gw.Build(b.ID).Status; got != models.BuildCompleted {
			t.Fatalf("build %s status = %v, want Completed", b.ID, got)
		}
	}
}

// Crash recovery: a build left Building with no owning process resumes
// after reconciliation resets it to Queued and its node is registered again.
// The dispatcher itself never reconciles; this test asserts the handoff
// between a pgstore.Reconcile-equivalent reset and the dispatcher picking
// the build back up.
func TestCrashRecovery(t *testing.T) {
	gw := NewMemGateway()
	orgID := "org-1"
	gw.AddOrganization(models.Organization{ID: orgID})
	node := newNode(orgID, "n1")
	gw.AddNode(node)

	a := models.Build{ID: "A", Architecture: models.ArchX86_64Linux, Path: "/store/A", CreatedAt: time.Now()}
	b := models.Build{ID: "B", Architecture: models.ArchX86_64Linux, Path: "/store/B", CreatedAt: time.Now()}
	eval := seedDAG(gw, orgID, []models.Build{a, b}, nil)

	// Seed the crash state directly: A is Building under n1 with no process
	// owning it (simulating the pre-restart database row; RecordTaskDAG
	// always starts builds Queued, so this bypasses it).
	nodeID := node.ID
	gw.mu.Lock()
	gw.builds["A"].Status = models.BuildBuilding
	gw.builds["A"].AssignedNode = &nodeID
	gw.mu.Unlock()

	// Simulate reconciliation: orphaned Building rows reset to Queued at
	// startup.
	if err := gw.ResetToQueued(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}

	pool := ncp.New(zap.NewNop(), ncp.NewFakeDialer(ncp.NewFakeSession), nil)
	pool.Register(node, 2)

	d := builddispatch.New(gw, pool, fakeStore{}, zap.NewNop(), builddispatch.Config{MaxBuilds: 4, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go d.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return gw.Evaluation(eval.ID).Status == models.EvaluationCompleted })

	if got := gw.Build("A").Status; got != models.BuildCompleted {
		t.Fatalf("A status = %v, want Completed", got)
	}
	if got := gw.Build("B").Status; got != models.BuildCompleted {
		t.Fatalf("B status = %v, want Completed", got)
	}
}
