// Package config loads the orchestrator's flat configuration surface from
// command-line flags with GRADIENT_*-prefixed environment fallback,
// collected into one struct since it is shared by every subsystem rather
// than one command.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Config is the full named-option set consumed by cmd/orchestratord.
type Config struct {
	IP       string
	Port     int
	ServeURL string

	DatabaseURL     string
	DatabaseURLFile string

	MaxConcurrentEvaluations int
	MaxConcurrentBuilds      int
	EvaluationTimeoutSeconds int

	StorePath string
	BasePath  string

	CryptSecretFile string
	JWTSecretFile   string

	BinpathNix  string
	BinpathGit  string
	BinpathZstd string

	// UseZstd selects in-process zstd compression for cache archives over
	// the default pgzip path; the binpath_zstd binary is not invoked.
	UseZstd bool

	APISharedSecretFile string
}

// Load parses args against the process environment, applying GRADIENT_*
// fallback and *_file precedence (database_url_file wins over database_url)
// and validating the fatal-at-startup invariants.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("gradient-orchestratord", flag.ContinueOnError)
	var cfg Config

	fs.StringVar(&cfg.IP, "ip", envOr("GRADIENT_IP", "0.0.0.0"), "listen address of the ingestion API")
	fs.IntVar(&cfg.Port, "port", envOrInt("GRADIENT_PORT", 3000), "listen port of the ingestion API")
	fs.StringVar(&cfg.ServeURL, "serve_url", envOr("GRADIENT_SERVE_URL", ""), "canonical public URL, used for CORS exact-match")
	fs.StringVar(&cfg.DatabaseURL, "database_url", envOr("GRADIENT_DATABASE_URL", ""), "postgres:// DSN")
	fs.StringVar(&cfg.DatabaseURLFile, "database_url_file", envOr("GRADIENT_DATABASE_URL_FILE", ""), "path to a file containing the DSN; takes precedence over database_url")
	fs.IntVar(&cfg.MaxConcurrentEvaluations, "max_concurrent_evaluations", envOrInt("GRADIENT_MAX_CONCURRENT_EVALUATIONS", 4), "MAX_EVAL")
	fs.IntVar(&cfg.MaxConcurrentBuilds, "max_concurrent_builds", envOrInt("GRADIENT_MAX_CONCURRENT_BUILDS", 8), "MAX_BUILDS")
	fs.IntVar(&cfg.EvaluationTimeoutSeconds, "evaluation_timeout", envOrInt("GRADIENT_EVALUATION_TIMEOUT", 1800), "evaluation wall-clock timeout in seconds")
	fs.StringVar(&cfg.StorePath, "store_path", envOr("GRADIENT_STORE_PATH", "/var/lib/gradient/store"), "orchestrator-local store root")
	fs.StringVar(&cfg.BasePath, "base_path", envOr("GRADIENT_BASE_PATH", os.TempDir()), "scratch root")
	fs.StringVar(&cfg.CryptSecretFile, "crypt_secret_file", envOr("GRADIENT_CRYPT_SECRET_FILE", ""), "path to the orchestrator's SSH identity")
	fs.StringVar(&cfg.JWTSecretFile, "jwt_secret_file", envOr("GRADIENT_JWT_SECRET_FILE", ""), "path to the JWT signing secret")
	fs.StringVar(&cfg.BinpathNix, "binpath_nix", envOr("GRADIENT_BINPATH_NIX", "nix"), "path to the nix binary invoked as the evaluator")
	fs.StringVar(&cfg.BinpathGit, "binpath_git", envOr("GRADIENT_BINPATH_GIT", "git"), "path to the git binary")
	fs.StringVar(&cfg.BinpathZstd, "binpath_zstd", envOr("GRADIENT_BINPATH_ZSTD", "zstd"), "path to the zstd binary")
	fs.BoolVar(&cfg.UseZstd, "use_zstd", envOrBool("GRADIENT_USE_ZSTD", false), "compress cache archives with the built-in zstd encoder instead of the built-in pgzip path")
	fs.StringVar(&cfg.APISharedSecretFile, "api_shared_secret_file", envOr("GRADIENT_API_SHARED_SECRET_FILE", ""), "path to the shared secret guarding /internal endpoints")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURLFile != "" {
		b, err := os.ReadFile(cfg.DatabaseURLFile)
		if err != nil {
			return Config{}, xerrors.Errorf("config: reading database_url_file: %w", err)
		}
		cfg.DatabaseURL = strings.TrimSpace(string(b))
	}
	if cfg.DatabaseURL == "" {
		return Config{}, xerrors.Errorf("config: one of database_url or database_url_file must be set")
	}
	if cfg.MaxConcurrentEvaluations <= 0 {
		return Config{}, xerrors.Errorf("config: max_concurrent_evaluations must be > 0")
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		return Config{}, xerrors.Errorf("config: max_concurrent_builds must be > 0")
	}
	return cfg, nil
}

// ReadSecretFile reads and trims a *_file-suffixed secret option, used for
// crypt_secret_file/jwt_secret_file/api_shared_secret_file.
func ReadSecretFile(path string) ([]byte, error) {
	if path == "" {
		return nil, xerrors.Errorf("config: secret file path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("config: reading secret file %s: %w", path, err)
	}
	return []byte(strings.TrimSpace(string(b))), nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
