package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadUsesDefaultsWhenConfigMissing(t *testing.T) {
	projectDir := t.TempDir()
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Version != 1 {
		t.Fatalf("expected default version 1, got %d", cfg.Project.Version)
	}
	if cfg.SpecsDir() != filepath.Join(projectDir, ".forge", "specs") {
		t.Fatalf("unexpected specs dir %q", cfg.SpecsDir())
	}
	if cfg.Project.Approvals.Timeout != 15*time.Minute {
		t.Fatalf("expected 15m approval timeout, got %s", cfg.Project.Approvals.Timeout)
	}
	if cfg.Project.Approvals.Authorities["destructive"] != "release-manager" {
		t.Fatalf("unexpected authorities %v", cfg.Project.Approvals.Authorities)
	}
	if cfg.EvidenceDSN() != filepath.Join(projectDir, ".forge", "evidence", "evidence.db") {
		t.Fatalf("unexpected evidence dsn %q", cfg.EvidenceDSN())
	}
}

func TestLoadParsesProjectYaml(t *testing.T) {
	projectDir := t.TempDir()
	forgeDir := filepath.Join(projectDir, ".forge")
	if err := os.MkdirAll(forgeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
specs:
  dir: contracts
targets:
  backend: s3
  s3:
    bucket: generated-artifacts
    region: eu-west-1
evidence:
  driver: memory
approvals:
  timeout: 90s
  store: redis
  redis:
    addr: redis:6379
  authorities:
    Schema-Change: " dba-lead "
orchestrator:
  max_parallel: 0
`)
	if err := os.WriteFile(filepath.Join(forgeDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SpecsDir() != filepath.Join(projectDir, "contracts") {
		t.Fatalf("expected relative specs dir resolved, got %q", cfg.SpecsDir())
	}
	if cfg.Project.Targets.Backend != "s3" || cfg.Project.Targets.S3.Bucket != "generated-artifacts" {
		t.Fatalf("unexpected targets %+v", cfg.Project.Targets)
	}
	if cfg.Project.Approvals.Timeout != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %s", cfg.Project.Approvals.Timeout)
	}
	if cfg.Project.Approvals.Authorities["schema-change"] != "dba-lead" {
		t.Fatalf("expected normalized authority, got %v", cfg.Project.Approvals.Authorities)
	}
	if cfg.Project.Orchestrator.MaxParallel != 0 {
		t.Fatalf("expected unbounded parallelism, got %d", cfg.Project.Orchestrator.MaxParallel)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv("FORGE_SERVER_PORT", "9911")
	t.Setenv("FORGE_APPROVALS_POLL_INTERVAL", "2s")
	cfg, err := Load(projectDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Server.Port != 9911 {
		t.Fatalf("expected env port 9911, got %d", cfg.Project.Server.Port)
	}
	if cfg.Project.Approvals.PollInterval != 2*time.Second {
		t.Fatalf("expected env poll interval, got %s", cfg.Project.Approvals.PollInterval)
	}
	if cfg.Project.Server.URL() != "http://127.0.0.1:9911" {
		t.Fatalf("unexpected url %s", cfg.Project.Server.URL())
	}
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	projectDir := t.TempDir()
	forgeDir := filepath.Join(projectDir, ".forge")
	if err := os.MkdirAll(forgeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(forgeDir, "config.yaml"), []byte("targets:\n  backend: ftp\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(projectDir); err == nil || !strings.Contains(err.Error(), "targets.backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestInitForgeDirCreatesLayout(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitForgeDir(projectDir); err != nil {
		t.Fatalf("InitForgeDir: %v", err)
	}
	for _, dir := range []string{"specs", "rules", "evidence", "state", "journal", "logs"} {
		if info, err := os.Stat(filepath.Join(projectDir, ForgeDir, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory: %v", dir, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(projectDir, ForgeDir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "max_parallel") {
		t.Fatalf("expected default config to be written")
	}
	custom := []byte("version: 1\n")
	if err := os.WriteFile(filepath.Join(projectDir, ForgeDir, "config.yaml"), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := InitForgeDir(projectDir); err != nil {
		t.Fatalf("second InitForgeDir: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(projectDir, ForgeDir, "config.yaml"))
	if string(data) != string(custom) {
		t.Fatalf("InitForgeDir overwrote an existing config")
	}
}
