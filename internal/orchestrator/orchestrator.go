package orchestrator

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wavelens/gradient/internal/apihealth"
	"github.com/wavelens/gradient/internal/builddispatch"
	"github.com/wavelens/gradient/internal/cachepublish"
	"github.com/wavelens/gradient/internal/evaldriver"
	"github.com/wavelens/gradient/internal/metrics"
	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/ncp"
	"github.com/wavelens/gradient/internal/pgstore"
)

// Deps bundles everything Wire needs to assemble one process's worth of the
// two control loops plus the cache publisher.
type Deps struct {
	Gateway *pgstore.Gateway
	Pool    *ncp.Pool
	Store   builddispatch.Store
	Source  cachepublish.OutputSource
	Backend cachepublish.Backend
	Log     *zap.Logger
	Metrics *metrics.Registry
	EvalCfg evaldriver.Config
	DispCfg builddispatch.Config
	PubCfg  cachepublish.Config
}

// Service owns the constructed components and runs all three loops under
// one errgroup.
type Service struct {
	Driver     *evaldriver.Driver
	Dispatcher *builddispatch.Dispatcher
	Publisher  *cachepublish.Publisher
	Gateway    *pgstore.Gateway
	log        *zap.Logger
}

// Wire constructs the orchestrator's three long-running workers from deps.
func Wire(deps Deps) *Service {
	driver := evaldriver.New(deps.Gateway, deps.Log, deps.EvalCfg)
	dispatcher := builddispatch.New(deps.Gateway, deps.Pool, deps.Store, deps.Log, deps.DispCfg)
	publisher := cachepublish.New(deps.Gateway, deps.Source, deps.Backend, deps.Log, deps.PubCfg)
	if deps.Metrics != nil {
		driver.SetMetrics(deps.Metrics)
		dispatcher.SetMetrics(deps.Metrics)
	}
	return &Service{Driver: driver, Dispatcher: dispatcher, Publisher: publisher, Gateway: deps.Gateway, log: deps.Log}
}

// Run starts all three loops and blocks until ctx is cancelled or one of
// them returns a non-nil (Fatal-class) error. Cancelling ctx drains every
// loop's in-flight permits before Run returns.
func (s *Service) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.Driver.Run(ctx) })
	eg.Go(func() error { return s.Dispatcher.Run(ctx) })
	eg.Go(func() error { return s.Publisher.Run(ctx) })
	return eg.Wait()
}

// DirectEnqueuer adapts pgstore.Gateway's InsertCommit/InsertDirectEvaluation
// pair into apihealth.EvaluationEnqueuer, the glue behind POST
// /internal/direct-evaluations.
type DirectEnqueuer struct {
	Gateway *pgstore.Gateway
}

func (e DirectEnqueuer) EnqueueDirect(r *http.Request, req apihealth.DirectEvaluationRequest) (*models.Evaluation, error) {
	ctx := r.Context()
	commit, err := e.Gateway.InsertCommit(ctx, models.Commit{Hash: []byte(req.Commit)})
	if err != nil {
		return nil, err
	}
	return e.Gateway.InsertDirectEvaluation(ctx, req.Organization, commit.ID, req.Repository, req.EvaluationWildcard, req.CreatedBy)
}

// Router builds the process's HTTP surface (healthz/readyz/direct-evaluation
// enqueue), delegating to internal/apihealth.
func Router(gw *pgstore.Gateway, serveURL, sharedSecret string, log *zap.Logger) http.Handler {
	return apihealth.Router(gw, DirectEnqueuer{Gateway: gw}, serveURL, sharedSecret, log)
}
