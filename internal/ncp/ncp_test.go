package ncp

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/wavelens/gradient/internal/models"
)

func newTestPool(t *testing.T, newSession func() *FakeSession) *Pool {
	t.Helper()
	return New(zap.NewNop(), NewFakeDialer(newSession), nil)
}

func testNode(capacity int) models.Node {
	return models.Node{
		ID:            "node-1",
		Host:          "node-1.internal",
		Architectures: []models.Architecture{models.ArchX86_64Linux},
		Features:      []string{"big-parallel"},
	}
}

func TestAcquire_WrongArchitectureUnavailable(t *testing.T) {
	p := newTestPool(t, NewFakeSession)
	node := testNode(1)
	p.Register(node, 1)

	_, err := p.Acquire(context.Background(), node, models.ArchAarch64Linux, nil)
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAcquire_MissingFeatureUnavailable(t *testing.T) {
	p := newTestPool(t, NewFakeSession)
	node := testNode(1)
	p.Register(node, 1)

	_, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, []string{"gpu"})
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAcquire_ZeroCapacityUnavailable(t *testing.T) {
	p := newTestPool(t, NewFakeSession)
	node := testNode(0)
	p.Register(node, 0)

	_, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, nil)
	if err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable for zero-capacity node, got %v", err)
	}
}

func TestAcquire_CapacityExhausted(t *testing.T) {
	p := newTestPool(t, NewFakeSession)
	node := testNode(1)
	p.Register(node, 1)

	lease1, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, nil)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, nil); err != ErrUnavailable {
		t.Fatalf("expected second Acquire to report ErrUnavailable, got %v", err)
	}

	lease1.Release()
	if _, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, nil); err != nil {
		t.Fatalf("expected capacity back after Release, got %v", err)
	}
}

func TestAcquire_LeaseReleaseIsIdempotent(t *testing.T) {
	p := newTestPool(t, NewFakeSession)
	node := testNode(1)
	p.Register(node, 1)

	lease, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()
	lease.Release() // must not panic or double-free the semaphore slot

	if _, err := p.Acquire(context.Background(), node, models.ArchX86_64Linux, nil); err != nil {
		t.Fatalf("expected capacity available after idempotent release, got %v", err)
	}
}

func TestHealthy_UnregisteredNodeIsUnhealthy(t *testing.T) {
	p := newTestPool(t, NewFakeSession)
	if p.Healthy("missing") {
		t.Fatal("expected unregistered node to be unhealthy")
	}
}
