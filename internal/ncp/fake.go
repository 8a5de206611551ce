package ncp

import (
	"context"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/wavelens/gradient/internal/models"
)

// FakeSession is an in-memory Session double for tests that exercise the
// Build Dispatcher without a real node: QueryMissing reports everything
// present, CopyPaths is a no-op, Build returns whatever BuildResult was
// configured (or succeeds by default).
type FakeSession struct {
	mu          sync.Mutex
	BuildResult BuildResult
	BuildErr    error
	Missing     []string
	Builds      []string // paths Build was called with, for assertions
}

func NewFakeSession() *FakeSession {
	return &FakeSession{BuildResult: BuildResult{Succeeded: true}}
}

func (f *FakeSession) QueryMissing(ctx context.Context, paths []string) ([]string, error) {
	return f.Missing, nil
}

func (f *FakeSession) CopyPaths(ctx context.Context, direction string, paths []string, transfer PathTransfer) error {
	return nil
}

func (f *FakeSession) Build(ctx context.Context, path string, onLog func(line string)) (BuildResult, error) {
	f.mu.Lock()
	f.Builds = append(f.Builds, path)
	f.mu.Unlock()
	if onLog != nil && f.BuildResult.Log != "" {
		onLog(f.BuildResult.Log)
	}
	return f.BuildResult, f.BuildErr
}

func (f *FakeSession) Close() error { return nil }

// FakeTunnel wraps a single FakeSession so tests can drive ncp.New with a
// Dialer that never touches the network.
type FakeTunnel struct {
	Session *FakeSession
}

func (t *FakeTunnel) OpenSession(ctx context.Context) (Session, error) { return t.Session, nil }
func (t *FakeTunnel) Ping(ctx context.Context) error                  { return nil }
func (t *FakeTunnel) Close() error                                    { return nil }

// NewFakeDialer returns a Dialer that always hands out fresh FakeTunnels
// wrapping sessions built with newSession, letting each test control
// per-node behavior (e.g. one node that always fails its build).
func NewFakeDialer(newSession func() *FakeSession) Dialer {
	return func(ctx context.Context, node models.Node, _ ssh.Signer) (Tunnel, error) {
		return &FakeTunnel{Session: newSession()}, nil
	}
}
