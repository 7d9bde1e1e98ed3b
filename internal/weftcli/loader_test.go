package weftcli

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPipelineConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `
account: acme
endpoint: https://status.example.com
poll_interval: 45s
refs:
  - ref-1
  - ref-2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadPipelineConfig(path)
	if err != nil {
		t.Fatalf("LoadPipelineConfig: %v", err)
	}
	if cfg.Account != "acme" || cfg.PollInterval != 45*time.Second || len(cfg.Refs) != 2 {
		t.Fatalf("cfg = %+v, unexpected values", cfg)
	}
}

func TestLoadPipelineConfigRejectsMissingAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte("refs: [ref-1]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadPipelineConfig(path); err == nil {
		t.Fatalf("expected an error for a config with no account")
	}
}

func TestLoadPipelineConfigRejectsUnreadablePath(t *testing.T) {
	if _, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
