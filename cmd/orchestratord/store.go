package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/cachepublish"
	"github.com/wavelens/gradient/internal/pgstore"
)

// localStore is the orchestrator-local content-addressed store: a flat
// directory keyed by store path, good enough for the single-node or
// self-hosted deployments this command targets.
// It doubles as builddispatch.Store (ncp.PathTransfer) and as
// cachepublish.OutputSource, resolving a build output's bytes through
// pgstore.Gateway.GetBuildOutput.
type localStore struct {
	root string
	gw   *pgstore.Gateway
}

func newLocalStore(root string, gw *pgstore.Gateway) *localStore {
	return &localStore{root: root, gw: gw}
}

func (s *localStore) pathFor(storePath string) string {
	return filepath.Join(s.root, filepath.Base(storePath))
}

func (s *localStore) ReadPath(path string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(path))
	if err != nil {
		return nil, xerrors.Errorf("localstore: read %s: %w", path, err)
	}
	return data, nil
}

func (s *localStore) WritePath(path string, data []byte) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return xerrors.Errorf("localstore: mkdir %s: %w", s.root, err)
	}
	if err := os.WriteFile(s.pathFor(path), data, 0o644); err != nil {
		return xerrors.Errorf("localstore: write %s: %w", path, err)
	}
	return nil
}

// ReadOutput resolves outputID to its store path via pgstore and hashes its
// on-disk contents for cachepublish to sign.
func (s *localStore) ReadOutput(ctx context.Context, outputID string) (string, []byte, error) {
	out, err := s.gw.GetBuildOutput(ctx, outputID)
	if err != nil {
		return "", nil, err
	}
	data, err := s.ReadPath(out.Output)
	if err != nil {
		return "", nil, err
	}
	hash, err := cachepublish.HashContent(bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}
	return hash, data, nil
}

func (s *localStore) SigningKey(ctx context.Context, cacheID string) ([]byte, error) {
	return s.gw.GetCacheSigningKey(ctx, cacheID)
}
