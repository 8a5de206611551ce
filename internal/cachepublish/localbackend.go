package cachepublish

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// LocalBackend stores published archives under a root directory, one
// subdirectory per cache. It exists for tests and for small/self-hosted
// deployments; the real Nix-cache HTTP backend is out of scope.
// Writes go through renameio, so a crash mid-upload never leaves a
// half-written archive visible under its final name.
type LocalBackend struct {
	Root string
}

func (b LocalBackend) Upload(ctx context.Context, cacheID, outputID string, archive []byte, narinfo []byte) error {
	dir := filepath.Join(b.Root, cacheID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("cachepublish: mkdir %s: %w", dir, err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, outputID+".nar.gz"), archive, 0o644); err != nil {
		return xerrors.Errorf("cachepublish: write archive: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, outputID+".narinfo"), narinfo, 0o644); err != nil {
		return xerrors.Errorf("cachepublish: write narinfo: %w", err)
	}
	return nil
}
