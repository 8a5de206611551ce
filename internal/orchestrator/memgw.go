// Package orchestrator wires the Persistence Gateway, Node Connection Pool,
// Evaluation Driver and Build Dispatcher into one running service.
// cmd/orchestratord is a thin binary around this package.
//
// memgw.go additionally provides an in-memory Gateway double implementing
// the interfaces internal/evaldriver and internal/builddispatch need (not
// internal/cachepublish's publication queue). This package's scenario tests
// run the Build Dispatcher against it without a real Postgres.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
	"github.com/wavelens/gradient/internal/pgstore"
)

// MemGateway is a single-process, mutex-guarded stand-in for pgstore.Gateway
// implementing the same CAS transition semantics, backed by plain maps
// instead of SQL tables.
type MemGateway struct {
	mu sync.Mutex

	orgs         map[string]models.Organization
	nodes        map[string]models.Node
	caches       map[string]models.Cache
	orgCaches    map[string][]string // org -> cache ids
	evaluations  map[string]*models.Evaluation
	builds       map[string]*models.Build
	deps         []models.BuildDependency
	outputs      map[string]*models.BuildOutput
	publications map[string]*pgstore.Publication
	directOrg    map[string]string // evaluation id -> organization id (direct_build)
}

func NewMemGateway() *MemGateway {
	return &MemGateway{
		orgs:         make(map[string]models.Organization),
		nodes:        make(map[string]models.Node),
		caches:       make(map[string]models.Cache),
		orgCaches:    make(map[string][]string),
		evaluations:  make(map[string]*models.Evaluation),
		builds:       make(map[string]*models.Build),
		outputs:      make(map[string]*models.BuildOutput),
		publications: make(map[string]*pgstore.Publication),
		directOrg:    make(map[string]string),
	}
}

func (m *MemGateway) AddOrganization(org models.Organization) { m.orgs[org.ID] = org }

func (m *MemGateway) AddNode(n models.Node) { m.nodes[n.ID] = n }

func (m *MemGateway) AddCache(c models.Cache, orgID string) {
	m.caches[c.ID] = c
	m.orgCaches[orgID] = append(m.orgCaches[orgID], c.ID)
}

// EnqueueEvaluation inserts a Queued evaluation directly (test helper
// standing in for pgstore.InsertEvaluation/InsertDirectEvaluation).
func (m *MemGateway) EnqueueEvaluation(orgID string, eval models.Evaluation) *models.Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eval.ID == "" {
		eval.ID = uuid.NewString()
	}
	eval.Status = models.EvaluationQueued
	m.evaluations[eval.ID] = &eval
	if eval.Project == nil {
		m.directOrg[eval.ID] = orgID
	}
	return &eval
}

// --- evaldriver.Gateway ---

func (m *MemGateway) ClaimNextEvaluation(ctx context.Context) (*models.Evaluation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Evaluation
	for _, e := range m.evaluations {
		if e.Status != models.EvaluationQueued {
			continue
		}
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, false, nil
	}
	oldest.Status = models.EvaluationEvaluating
	cp := *oldest
	return &cp, true, nil
}

func (m *MemGateway) RecordTaskDAG(ctx context.Context, evalID string, builds []models.Build, edges []models.BuildDependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eval, ok := m.evaluations[evalID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown evaluation %s", evalID)
	}
	if len(builds) == 0 {
		eval.Status = models.EvaluationFailed
		errText := "evaluator produced zero builds"
		eval.Error = &errText
		return nil
	}
	for _, b := range builds {
		b := b
		b.Status = models.BuildQueued
		b.Evaluation = evalID
		m.builds[b.ID] = &b
	}
	m.deps = append(m.deps, edges...)
	eval.Status = models.EvaluationBuilding
	return nil
}

func (m *MemGateway) FailEvaluation(ctx context.Context, evalID, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eval, ok := m.evaluations[evalID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown evaluation %s", evalID)
	}
	eval.Status = models.EvaluationFailed
	eval.Error = &errText
	return nil
}

func (m *MemGateway) GetEvaluation(ctx context.Context, evalID string) (*models.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eval, ok := m.evaluations[evalID]
	if !ok {
		return nil, orcherr.DataIntegrityf("memgw: unknown evaluation %s", evalID)
	}
	cp := *eval
	return &cp, nil
}

// --- builddispatch.Gateway ---

func (m *MemGateway) ListOrganizations(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.orgs))
	for id := range m.orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemGateway) organizationFor(evalID string) string {
	if eval, ok := m.evaluations[evalID]; ok && eval.Project != nil {
		return "" // project-owned org resolution isn't modeled in this fake; tests use direct evaluations
	}
	return m.directOrg[evalID]
}

func (m *MemGateway) NextReadyBuilds(ctx context.Context, orgID string, limit int) ([]models.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	depOn := make(map[string][]string) // build -> its dependencies
	for _, e := range m.deps {
		depOn[e.Build] = append(depOn[e.Build], e.Dependency)
	}

	type candidate struct {
		build   models.Build
		created time.Time
	}
	var cands []candidate
	for _, b := range m.builds {
		if b.Status != models.BuildQueued {
			continue
		}
		eval, ok := m.evaluations[b.Evaluation]
		if !ok || m.organizationFor(b.Evaluation) != orgID {
			continue
		}
		ready := true
		for _, depID := range depOn[b.ID] {
			dep, ok := m.builds[depID]
			if !ok || dep.Status != models.BuildCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		cands = append(cands, candidate{build: *b, created: eval.CreatedAt})
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].created.Equal(cands[j].created) {
			return cands[i].created.Before(cands[j].created)
		}
		return cands[i].build.CreatedAt.Before(cands[j].build.CreatedAt)
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]models.Build, len(cands))
	for i, c := range cands {
		out[i] = c.build
	}
	return out, nil
}

func (m *MemGateway) ListOrganizationNodes(ctx context.Context, orgID string) ([]models.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Node
	for _, n := range m.nodes {
		if n.Organization == orgID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

func (m *MemGateway) AssignBuild(ctx context.Context, buildID, nodeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok || b.Status != models.BuildQueued {
		return false, nil
	}
	b.Status = models.BuildBuilding
	b.AssignedNode = &nodeID
	return true, nil
}

func (m *MemGateway) CompleteBuild(ctx context.Context, buildID string, outputs []models.BuildOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown build %s", buildID)
	}
	b.Status = models.BuildCompleted
	for _, o := range outputs {
		o := o
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		m.outputs[o.ID] = &o
	}
	return nil
}

func (m *MemGateway) FailBuild(ctx context.Context, buildID, log string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown build %s", buildID)
	}
	b.Status = models.BuildFailed
	b.Log = &log
	return nil
}

func (m *MemGateway) AbortDependents(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if b, ok := m.builds[id]; ok && !b.Status.Terminal() {
			b.Status = models.BuildAborted
		}
	}
	return nil
}

func (m *MemGateway) ResetToQueued(ctx context.Context, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown build %s", buildID)
	}
	b.Status = models.BuildQueued
	b.AssignedNode = nil
	return nil
}

func (m *MemGateway) AppendLog(ctx context.Context, buildID, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown build %s", buildID)
	}
	merged := chunk
	if b.Log != nil {
		merged = *b.Log + chunk
	}
	b.Log = &merged
	return nil
}

func (m *MemGateway) ListDependencyOutputs(ctx context.Context, buildID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.deps {
		if e.Build != buildID {
			continue
		}
		dep, ok := m.builds[e.Dependency]
		if !ok || dep.Status != models.BuildCompleted {
			continue
		}
		for _, o := range m.outputs {
			if o.Build == dep.ID {
				out = append(out, o.Output)
			}
		}
	}
	return out, nil
}

func (m *MemGateway) ListEvaluationBuilds(ctx context.Context, evalID string) ([]models.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Build
	for _, b := range m.builds {
		if b.Evaluation == evalID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *MemGateway) ListBuildDependencies(ctx context.Context, evalID string) ([]models.BuildDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BuildDependency
	for _, e := range m.deps {
		if b, ok := m.builds[e.Build]; ok && b.Evaluation == evalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemGateway) MarkEvaluationTerminal(ctx context.Context, evalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eval, ok := m.evaluations[evalID]
	if !ok {
		return orcherr.DataIntegrityf("memgw: unknown evaluation %s", evalID)
	}
	if eval.Status.Terminal() {
		return nil
	}
	total, completed, failed, aborted := 0, 0, 0, 0
	for _, b := range m.builds {
		if b.Evaluation != evalID {
			continue
		}
		total++
		switch b.Status {
		case models.BuildCompleted:
			completed++
		case models.BuildFailed:
			failed++
		case models.BuildAborted:
			aborted++
		}
	}
	if total == 0 || completed+failed+aborted < total {
		return nil
	}
	switch {
	case failed > 0:
		eval.Status = models.EvaluationFailed
	case completed == total:
		eval.Status = models.EvaluationCompleted
	default:
		eval.Status = models.EvaluationAborted
	}
	return nil
}

func (m *MemGateway) ListActiveOrganizationCaches(ctx context.Context, orgID string) ([]models.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Cache
	for _, id := range m.orgCaches[orgID] {
		if c, ok := m.caches[id]; ok && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemGateway) EnqueuePublications(ctx context.Context, outputID string, cacheIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cacheID := range cacheIDs {
		id := uuid.NewString()
		m.publications[id] = &pgstore.Publication{ID: id, BuildOutput: outputID, Cache: cacheID, Status: pgstore.PublicationPending, NextAttemptAt: time.Now()}
	}
	return nil
}

// --- test accessors ---

func (m *MemGateway) Evaluation(id string) models.Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.evaluations[id]
}

func (m *MemGateway) Build(id string) models.Build {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.builds[id]
}

func (m *MemGateway) BuildsByEvaluation(evalID string) []models.Build {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Build
	for _, b := range m.builds {
		if b.Evaluation == evalID {
			out = append(out, *b)
		}
	}
	return out
}

func (m *MemGateway) OutputCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outputs)
}

func (m *MemGateway) PublicationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.publications)
}
