package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Fatal("expected an error when neither database_url nor database_url_file is set")
	}
}

func TestLoad_DatabaseURLFileTakesPrecedence(t *testing.T) {
	f := filepath.Join(t.TempDir(), "dsn")
	if err := os.WriteFile(f, []byte("postgres://from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load([]string{
		"-database_url", "postgres://from-flag",
		"-database_url_file", f,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://from-file" {
		t.Fatalf("DatabaseURL = %q, want the file's trimmed contents", cfg.DatabaseURL)
	}
}

func TestLoad_RejectsNonPositiveConcurrency(t *testing.T) {
	_, err := Load([]string{"-database_url", "postgres://x", "-max_concurrent_builds", "0"})
	if err == nil || !strings.Contains(err.Error(), "max_concurrent_builds") {
		t.Fatalf("expected a max_concurrent_builds validation error, got %v", err)
	}
	_, err = Load([]string{"-database_url", "postgres://x", "-max_concurrent_evaluations", "-1"})
	if err == nil || !strings.Contains(err.Error(), "max_concurrent_evaluations") {
		t.Fatalf("expected a max_concurrent_evaluations validation error, got %v", err)
	}
}

func TestLoad_EnvironmentFallback(t *testing.T) {
	t.Setenv("GRADIENT_DATABASE_URL", "postgres://from-env")
	t.Setenv("GRADIENT_MAX_CONCURRENT_BUILDS", "3")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://from-env" {
		t.Fatalf("DatabaseURL = %q, want env fallback", cfg.DatabaseURL)
	}
	if cfg.MaxConcurrentBuilds != 3 {
		t.Fatalf("MaxConcurrentBuilds = %d, want 3", cfg.MaxConcurrentBuilds)
	}
}

func TestLoad_FlagBeatsEnvironment(t *testing.T) {
	t.Setenv("GRADIENT_DATABASE_URL", "postgres://from-env")
	cfg, err := Load([]string{"-database_url", "postgres://from-flag"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://from-flag" {
		t.Fatalf("DatabaseURL = %q, want the flag to win over the environment", cfg.DatabaseURL)
	}
}

func TestReadSecretFile_TrimsWhitespace(t *testing.T) {
	f := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(f, []byte("  hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := ReadSecretFile(f)
	if err != nil {
		t.Fatalf("ReadSecretFile: %v", err)
	}
	if string(b) != "hunter2" {
		t.Fatalf("secret = %q, want trimmed contents", b)
	}
}

func TestReadSecretFile_EmptyPath(t *testing.T) {
	if _, err := ReadSecretFile(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
