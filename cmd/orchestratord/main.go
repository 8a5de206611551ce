// Command orchestratord is the single long-running process combining the
// Evaluation Driver, Build Dispatcher and Cache Publisher control loops
// plus the minimal external API surface. Graceful shutdown on
// SIGINT/SIGTERM drains every loop's in-flight permits before exiting.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/wavelens/gradient/internal/apihealth"
	"github.com/wavelens/gradient/internal/builddispatch"
	"github.com/wavelens/gradient/internal/cachepublish"
	"github.com/wavelens/gradient/internal/config"
	"github.com/wavelens/gradient/internal/evaldriver"
	"github.com/wavelens/gradient/internal/metrics"
	"github.com/wavelens/gradient/internal/ncp"
	"github.com/wavelens/gradient/internal/orchestrator"
	"github.com/wavelens/gradient/internal/pgstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, err := pgstore.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	signer, err := loadSigner(cfg.CryptSecretFile)
	if err != nil {
		return err
	}

	// TODO: pin per-node host keys once the server table grows a
	// host_key_fingerprint column; until then every node's key is accepted.
	pool := ncp.New(logger, ncp.DialSSH(ssh.InsecureIgnoreHostKey()), signer)
	if err := registerNodes(ctx, gw, pool); err != nil {
		return err
	}
	go pool.RunHealthLoop(ctx, 30*time.Second)

	// One synchronous health round before reconciliation, so builds on nodes
	// that survived the restart are not needlessly requeued.
	healthCheckAll(ctx, gw, pool)
	if err := gw.LogReconcile(ctx, pool, logger); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.NodeTunnelsHealthy.Set(float64(pool.HealthyCount()))
			}
		}
	}()

	store := newLocalStore(cfg.StorePath, gw)
	svc := orchestrator.Wire(orchestrator.Deps{
		Gateway: gw,
		Pool:    pool,
		Store:   store,
		Source:  store,
		Backend: cachepublish.LocalBackend{Root: cfg.StorePath},
		Log:     logger,
		Metrics: m,
		EvalCfg: evaldriver.Config{
			MaxEval:           cfg.MaxConcurrentEvaluations,
			EvaluationTimeout: time.Duration(cfg.EvaluationTimeoutSeconds) * time.Second,
			BasePath:          cfg.BasePath,
			BinGit:            cfg.BinpathGit,
			BinNix:            cfg.BinpathNix,
			PollInterval:      evaldriver.DefaultConfig().PollInterval,
		},
		DispCfg: builddispatch.Config{MaxBuilds: cfg.MaxConcurrentBuilds, MaxRetries: builddispatch.DefaultConfig().MaxRetries},
		PubCfg:  pubConfig(cfg),
	})

	sharedSecret := ""
	if cfg.APISharedSecretFile != "" {
		b, err := config.ReadSecretFile(cfg.APISharedSecretFile)
		if err != nil {
			return err
		}
		sharedSecret = string(b)
	}

	mux := http.NewServeMux()
	mux.Handle("/", orchestrator.Router(gw, cfg.ServeURL, sharedSecret, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := apihealth.Serve(fmt.Sprintf("%s:%d", cfg.IP, cfg.Port), mux)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-errCh
	case runErr = <-errCh:
		cancel()
	}
	if runErr != nil {
		logger.Error("control loops exited with error", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return runErr
}

func pubConfig(cfg config.Config) cachepublish.Config {
	pc := cachepublish.DefaultConfig()
	if cfg.UseZstd {
		pc.Codec = cachepublish.CodecZstd
	}
	return pc
}

// registerNodes rebuilds NCP's per-node capacity semaphores from node
// configuration at startup.
func registerNodes(ctx context.Context, gw *pgstore.Gateway, pool *ncp.Pool) error {
	orgs, err := gw.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	for _, orgID := range orgs {
		nodes, err := gw.ListOrganizationNodes(ctx, orgID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			pool.Register(n, int(n.Capacity))
		}
	}
	return nil
}

func healthCheckAll(ctx context.Context, gw *pgstore.Gateway, pool *ncp.Pool) {
	orgs, err := gw.ListOrganizations(ctx)
	if err != nil {
		return
	}
	for _, orgID := range orgs {
		nodes, err := gw.ListOrganizationNodes(ctx, orgID)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			if err := pool.HealthCheck(ctx, n.ID); err == nil {
				_ = gw.TouchNode(ctx, n.ID)
			}
		}
	}
}

// loadSigner parses the orchestrator's SSH identity from path, generating
// an ephemeral Ed25519 key when unset so a single-node or test deployment
// can still start: an absent SSH identity merely means no node will ever
// authenticate, which ncp.Pool already reports as unhealthy.
func loadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(priv)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}
