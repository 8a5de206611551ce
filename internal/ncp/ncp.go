// Package ncp is the Node Connection Pool (NCP): it maintains authenticated
// long-lived tunnels to each builder node, multiplexes concurrent build
// sessions per node, and surfaces connection health/capacity to the Build
// Dispatcher. A tunnel is an authenticated SSH connection; each lease opens
// one SSH session and speaks the newline-delimited JSON verbs defined in
// protocol.go across that session's stdio.
package ncp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/wavelens/gradient/internal/backoff"
	"github.com/wavelens/gradient/internal/models"
	"github.com/wavelens/gradient/internal/orcherr"
)

// ErrUnavailable is returned by Acquire when a node cannot presently take a
// lease: wrong architecture/features, at capacity, or its breaker is open.
// It is never itself an error condition the caller should fail a build on
// immediately -- the dispatcher tries the next node in rotation.
var ErrUnavailable = errors.New("ncp: node unavailable")

// Dialer opens an authenticated tunnel to a node. Exposed as a field (not
// hardcoded) so tests can swap in a local in-process implementation.
type Dialer func(ctx context.Context, node models.Node, signer ssh.Signer) (Tunnel, error)

// Tunnel is one live SSH connection to a node, capable of opening
// per-lease sessions.
type Tunnel interface {
	OpenSession(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// entry tracks one node's tunnel, capacity semaphore and breaker.
type entry struct {
	node    models.Node
	tunnel  Tunnel
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{} // capacity: one slot per concurrent lease
	mu      sync.Mutex
	healthy bool
	fails   int       // consecutive dial failures, drives reconnect backoff
	retryAt time.Time // earliest next dial attempt
}

// Pool is the Node Connection Pool.
type Pool struct {
	log    *zap.Logger
	dial   Dialer
	signer ssh.Signer
	policy backoff.Policy

	mu      sync.Mutex
	entries map[string]*entry // node id -> entry
}

// New constructs a Pool. signer authenticates the orchestrator to every
// node.
func New(log *zap.Logger, dial Dialer, signer ssh.Signer) *Pool {
	return &Pool{
		log:     log,
		dial:    dial,
		signer:  signer,
		policy:  backoff.Default(),
		entries: make(map[string]*entry),
	}
}

// Register makes node known to the pool with the given concurrent-lease
// capacity.
func (p *Pool) Register(node models.Node, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[node.ID]; ok {
		return
	}
	st := gobreaker.Settings{
		Name:    "ncp-" + node.ID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	p.entries[node.ID] = &entry{
		node:    node,
		breaker: gobreaker.NewCircuitBreaker(st),
		sem:     make(chan struct{}, capacity),
		healthy: capacity > 0,
	}
}

// Healthy reports whether node's tunnel is currently usable: registered,
// breaker closed (or half-open), last health check succeeded. Consulted by
// Acquire (so the dispatcher's matching gets no lease on an unhealthy node)
// and by pgstore.Reconcile at startup.
func (p *Pool) Healthy(nodeID string) bool {
	p.mu.Lock()
	e, ok := p.entries[nodeID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy && e.breaker.State() != gobreaker.StateOpen
}

// Lease is a capacity reservation on a node for the duration of one build.
// Dropping it (calling Release) returns capacity unconditionally.
type Lease struct {
	NodeID  string
	Session Session

	pool *Pool
	e    *entry
	once sync.Once
}

// Release returns the lease's capacity slot. Safe to call multiple times,
// and on leases constructed without a pool (test doubles).
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.Session != nil {
			_ = l.Session.Close()
		}
		if l.e == nil {
			return
		}
		select {
		case <-l.e.sem:
		default:
		}
	})
}

// Acquire returns a Lease iff node is registered, declares arch and a
// superset of features, and has spare capacity. The node parameter is this
// call's snapshot of the node row; the pool does not itself query pgstore.
func (p *Pool) Acquire(ctx context.Context, node models.Node, arch models.Architecture, features []string) (*Lease, error) {
	if !node.Satisfies(arch, features) {
		return nil, ErrUnavailable
	}
	p.mu.Lock()
	e, ok := p.entries[node.ID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnavailable
	}
	if !p.Healthy(node.ID) {
		return nil, ErrUnavailable
	}
	select {
	case e.sem <- struct{}{}:
	default:
		return nil, ErrUnavailable // at capacity
	}

	tunnel, err := p.tunnelFor(ctx, e)
	if err != nil {
		<-e.sem
		return nil, orcherr.Transientf("ncp: dial %s: %w", node.Host, err)
	}
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return tunnel.OpenSession(ctx)
	})
	if err != nil {
		<-e.sem
		p.markUnhealthy(e)
		return nil, orcherr.Transientf("ncp: open session on %s: %w", node.Host, err)
	}
	sess := result.(Session)
	return &Lease{NodeID: node.ID, Session: sess, pool: p, e: e}, nil
}

// tunnelFor returns the node's live tunnel, dialing a new one if needed.
// Redials back off exponentially with jitter, capped around 60s.
func (p *Pool) tunnelFor(ctx context.Context, e *entry) (Tunnel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tunnel != nil {
		return e.tunnel, nil
	}
	if time.Now().Before(e.retryAt) {
		return nil, errors.New("ncp: reconnect backoff in effect")
	}
	t, err := p.dial(ctx, e.node, p.signer)
	if err != nil {
		e.healthy = false
		e.fails++
		e.retryAt = time.Now().Add(p.policy.Delay(e.fails))
		return nil, err
	}
	e.tunnel = t
	e.healthy = true
	e.fails = 0
	e.retryAt = time.Time{}
	return t, nil
}

func (p *Pool) markUnhealthy(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tunnel != nil {
		_ = e.tunnel.Close()
	}
	e.tunnel = nil
	e.healthy = false
}

// HealthyCount reports how many registered nodes are currently healthy,
// feeding the gradient_node_tunnels_healthy gauge.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	n := 0
	for _, id := range ids {
		if p.Healthy(id) {
			n++
		}
	}
	return n
}

// HealthCheck performs a lightweight ping against node; on failure the
// tunnel is torn down and marked unhealthy, and in-flight leases will see
// their next I/O fail with a connection-lost error.
func (p *Pool) HealthCheck(ctx context.Context, nodeID string) error {
	p.mu.Lock()
	e, ok := p.entries[nodeID]
	p.mu.Unlock()
	if !ok {
		return orcherr.Resourcef("ncp: unknown node %s", nodeID)
	}
	tunnel, err := p.tunnelFor(ctx, e)
	if err != nil {
		return orcherr.Transientf("ncp: health check dial: %w", err)
	}
	if _, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, tunnel.Ping(ctx)
	}); err != nil {
		p.markUnhealthy(e)
		return orcherr.Transientf("ncp: health check: %w", err)
	}
	e.mu.Lock()
	e.healthy = true
	e.mu.Unlock()
	return nil
}

// RunHealthLoop periodically health-checks every registered node until ctx
// is cancelled; redials of lost tunnels back off through tunnelFor.
func (p *Pool) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			ids := make([]string, 0, len(p.entries))
			for id := range p.entries {
				ids = append(ids, id)
			}
			p.mu.Unlock()
			for _, id := range ids {
				if err := p.HealthCheck(ctx, id); err != nil {
					p.log.Debug("ncp: health check failed", zap.String("node", id), zap.Error(err))
				}
			}
		}
	}
}
