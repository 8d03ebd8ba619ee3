package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultTemplateMatchesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	def := Default()
	if cfg.Engine.MaxRetries != def.Engine.MaxRetries {
		t.Fatalf("max_retries %d != %d", cfg.Engine.MaxRetries, def.Engine.MaxRetries)
	}
	if cfg.Approval.TTL.Duration != def.Approval.TTL.Duration {
		t.Fatalf("approval ttl %s != %s", cfg.Approval.TTL, def.Approval.TTL)
	}
	if cfg.Trust.Levels != def.Trust.Levels {
		t.Fatalf("levels %+v != %+v", cfg.Trust.Levels, def.Trust.Levels)
	}
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("engine:\n  max_retries: 5\napproval:\n  ttl: 48h\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Fatalf("max_retries %d, want 5", cfg.Engine.MaxRetries)
	}
	if cfg.Approval.TTL.Duration != 48*time.Hour {
		t.Fatalf("ttl %s, want 48h", cfg.Approval.TTL)
	}
	// untouched sections keep their defaults
	if cfg.Governor.CompletionThreshold != 0.8 {
		t.Fatalf("completion threshold %.2f, want 0.8", cfg.Governor.CompletionThreshold)
	}
}

func TestInvalidConfigsRejected(t *testing.T) {
	cases := map[string]string{
		"bad duration":       "approval:\n  ttl: soon\n",
		"negative retries":   "engine:\n  max_retries: -1\n",
		"weights off":        "trust:\n  weights:\n    success: 0.9\n    approval: 0.9\n    retry: 0.9\n",
		"levels not ordered": "trust:\n  levels:\n    self_direct: 0.5\n    execute: 0.7\n    recommend: 0.9\n",
	}
	for name, input := range cases {
		if _, err := FromYAML([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxRetries != 10 {
		t.Fatalf("max_retries %d, want default 10", cfg.Engine.MaxRetries)
	}

	if err := os.WriteFile(filepath.Join(dir, "taskline.yml"), []byte("engine:\n  max_retries: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Engine.MaxRetries != 4 {
		t.Fatalf("max_retries %d, want 4", cfg.Engine.MaxRetries)
	}
}
