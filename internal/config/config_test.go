package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.DocumentRoot = dir
	c.Resolve()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate once given a real document root: %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.DocumentRoot = dir
	c.Port = 0
	c.Resolve()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for port 0")
	}
}

func TestValidateRejectsMissingDocumentRoot(t *testing.T) {
	c := Default()
	c.DocumentRoot = filepath.Join(t.TempDir(), "does-not-exist")
	c.Resolve()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing document root")
	}
}

func TestLoadFileMerges(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "filed.yaml")
	body := "port: 9090\nlog_level: debug\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	base := Default()
	merged, err := LoadFile(base, cfgPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if merged.Port != 9090 {
		t.Errorf("Port = %d, want 9090", merged.Port)
	}
	if merged.LogLevel != LevelDebug {
		t.Errorf("LogLevel = %q, want debug", merged.LogLevel)
	}
	if merged.Backlog != base.Backlog {
		t.Errorf("Backlog changed unexpectedly: %d", merged.Backlog)
	}
}
