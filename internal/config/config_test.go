package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	seeds := filepath.Join(dir, "seeds")
	if err := os.MkdirAll(seeds, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	return Config{
		TargetBinary:  target,
		SeedsFolder:   seeds,
		QueueFolder:   filepath.Join(dir, "queue"),
		CrashesFolder: filepath.Join(dir, "crashes"),
		CurrentInput:  filepath.Join(dir, "cur_input"),
		TimeoutMs:     1000,
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.yaml")
	content := "target_binary: /bin/true\nseeds_folder: /tmp/seeds\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TargetBinary != "/bin/true" {
		t.Errorf("Expected target /bin/true, got %s", cfg.TargetBinary)
	}
	if cfg.TimeoutMs != 1000 {
		t.Errorf("Expected default timeout 1000, got %d", cfg.TimeoutMs)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.yaml")
	if err := os.WriteFile(path, []byte("no_such_option: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected an error for an unknown config key")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestValidateRejectsMissingPieces(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(*Config)
	}{
		{"no target", func(c *Config) { c.TargetBinary = "" }},
		{"absent target", func(c *Config) { c.TargetBinary = "/no/such/binary" }},
		{"no seeds", func(c *Config) { c.SeedsFolder = "" }},
		{"absent seeds", func(c *Config) { c.SeedsFolder = "/no/such/folder" }},
		{"no queue", func(c *Config) { c.QueueFolder = "" }},
		{"no crashes", func(c *Config) { c.CrashesFolder = "" }},
		{"no input", func(c *Config) { c.CurrentInput = "" }},
		{"zero timeout", func(c *Config) { c.TimeoutMs = 0 }},
	}
	for _, tc := range cases {
		cfg := validConfig(t)
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tc.name)
		}
	}
}
