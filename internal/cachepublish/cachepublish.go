// Package cachepublish is the Cache Publisher (CP): a thin component broken out
// of the Build Dispatcher for testability.
// BD enqueues a durable (BuildOutput, Cache) row via pgstore whenever a
// build completes; CP drains that queue, compresses the output, signs it
// with the cache's key, uploads it through a small Backend abstraction, and
// records a BuildOutputSignature. Publication failures are retried with
// exponential backoff and never fail the owning build.
package cachepublish

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/backoff"
	"github.com/wavelens/gradient/internal/pgstore"
)

// Gateway is the subset of pgstore.Gateway the publisher needs.
type Gateway interface {
	NextPendingPublications(ctx context.Context, limit int) ([]pgstore.Publication, error)
	CompletePublication(ctx context.Context, pubID, outputID, cacheID string, signature []byte) error
	RetryPublication(ctx context.Context, pubID string, attempts int, delay time.Duration, lastErr string, abandon bool) error
}

// OutputSource resolves the bytes of a completed build output's store path
// and its signing material, looked up from pgstore by id (kept narrow so
// tests can substitute an in-memory fixture).
type OutputSource interface {
	// ReadOutput returns the raw archive bytes for outputID.
	ReadOutput(ctx context.Context, outputID string) (contentHash string, data []byte, err error)
	// SigningKey returns the Ed25519 seed or private key bytes for cacheID.
	SigningKey(ctx context.Context, cacheID string) ([]byte, error)
}

// Backend uploads a compressed archive plus its narinfo-style metadata to
// one cache. The real Nix-cache HTTP backend lives elsewhere; a
// local-filesystem Backend is provided for tests and for small/self-hosted
// deployments.
type Backend interface {
	Upload(ctx context.Context, cacheID, outputID string, archive []byte, narinfo []byte) error
}

const maxAttempts = 8 // generous; persistent failure is logged, never fatal

// Codec selects the archive compression applied before upload.
type Codec string

const (
	CodecGzip Codec = "gzip" // parallel gzip (pgzip), the default
	CodecZstd Codec = "zstd"
)

// Config holds the CP's tunable knobs.
type Config struct {
	BatchSize int
	Interval  time.Duration
	Codec     Codec
}

func DefaultConfig() Config {
	return Config{BatchSize: 16, Interval: 2 * time.Second, Codec: CodecGzip}
}

// Publisher drains the durable publication queue.
type Publisher struct {
	gw      Gateway
	source  OutputSource
	backend Backend
	log     *zap.Logger
	cfg     Config
	policy  backoff.Policy
}

func New(gw Gateway, source OutputSource, backend Backend, log *zap.Logger, cfg Config) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecGzip
	}
	return &Publisher{gw: gw, source: source, backend: backend, log: log, cfg: cfg, policy: backoff.Default()}
}

// Run drains pending publications until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.drain(ctx); err != nil {
			p.log.Warn("cachepublish: drain failed", zap.Error(err))
		}
	}
}

func (p *Publisher) drain(ctx context.Context) error {
	pubs, err := p.gw.NextPendingPublications(ctx, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, pub := range pubs {
		pub := pub
		eg.Go(func() error {
			p.publishOne(ctx, pub)
			return nil // one publication's failure never tears down the drain
		})
	}
	return eg.Wait()
}

// publishOne performs one publish attempt: compress, sign, upload, record
//. On error it reschedules with backoff, abandoning (but
// still logging, never failing the build) once attempts are exhausted.
func (p *Publisher) publishOne(ctx context.Context, pub pgstore.Publication) {
	if err := p.attempt(ctx, pub); err != nil {
		abandon := pub.Attempts+1 >= maxAttempts
		delay := p.policy.Delay(pub.Attempts)
		if rerr := p.gw.RetryPublication(ctx, pub.ID, pub.Attempts+1, delay, err.Error(), abandon); rerr != nil {
			p.log.Error("cachepublish: retry_publication failed", zap.String("publication", pub.ID), zap.Error(rerr))
			return
		}
		logFn := p.log.Warn
		if abandon {
			logFn = p.log.Error
		}
		logFn("cachepublish: publish attempt failed",
			zap.String("publication", pub.ID), zap.Bool("abandoned", abandon), zap.Error(err))
		return
	}
}

func (p *Publisher) attempt(ctx context.Context, pub pgstore.Publication) error {
	contentHash, data, err := p.source.ReadOutput(ctx, pub.BuildOutput)
	if err != nil {
		return xerrors.Errorf("cachepublish: read output %s: %w", pub.BuildOutput, err)
	}

	archive, err := compress(p.cfg.Codec, data)
	if err != nil {
		return xerrors.Errorf("cachepublish: compress %s: %w", pub.BuildOutput, err)
	}

	key, err := p.source.SigningKey(ctx, pub.Cache)
	if err != nil {
		return xerrors.Errorf("cachepublish: signing key for %s: %w", pub.Cache, err)
	}
	signature, err := sign(key, contentHash)
	if err != nil {
		return xerrors.Errorf("cachepublish: sign %s: %w", pub.BuildOutput, err)
	}

	narinfo := narinfoFor(pub.BuildOutput, contentHash, len(archive), signature)
	if err := p.backend.Upload(ctx, pub.Cache, pub.BuildOutput, archive, narinfo); err != nil {
		return xerrors.Errorf("cachepublish: upload %s to %s: %w", pub.BuildOutput, pub.Cache, err)
	}

	if err := p.gw.CompletePublication(ctx, pub.ID, pub.BuildOutput, pub.Cache, signature); err != nil {
		return xerrors.Errorf("cachepublish: complete_publication: %w", err)
	}
	return nil
}

// compress squeezes the already-archived output bytes with the configured
// codec: parallel gzip by default, or zstd for operators who prefer
// smaller archives over wider decompressor support.
func compress(codec Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch codec {
	case CodecZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	default:
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// sign computes an Ed25519 signature over the content hash. key must be
// either a 32-byte seed (expanded here) or a 64-byte private key.
func sign(key []byte, contentHash string) ([]byte, error) {
	var priv ed25519.PrivateKey
	switch len(key) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(key)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(key)
	default:
		return nil, xerrors.Errorf("cachepublish: signing key has unexpected length %d", len(key))
	}
	return ed25519.Sign(priv, []byte(contentHash)), nil
}

// narinfoFor builds a minimal .narinfo-style metadata blob. The real
// narinfo format is part of the out-of-scope store protocol; this is a
// deliberately small stand-in carrying just enough fields for the Backend
// to key its storage layout by.
func narinfoFor(outputID, contentHash string, compressedSize int, signature []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("StorePath: " + outputID + "\n")
	buf.WriteString("Hash: " + contentHash + "\n")
	buf.WriteString("CompressedSize: " + strconv.Itoa(compressedSize) + "\n")
	buf.WriteString("Sig: " + hex.EncodeToString(signature) + "\n")
	return buf.Bytes()
}

// HashContent computes the content-addressing hash used by ReadOutput
// implementations.
func HashContent(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
