package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8443" {
		t.Fatalf("listenAddress = %q, want default", cfg.ListenAddress)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeTemp(t, dir, "am.yaml", `
listenAddress: ":9443"
dataSourceName: "file:am.sqlite"
peers:
  - name: transcryptor
    address: "ts.internal:9444"
`)
	cfg, err := Load("", yamlPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9443" {
		t.Fatalf("listenAddress = %q", cfg.ListenAddress)
	}
	if cfg.DataSourceName != "file:am.sqlite" {
		t.Fatalf("dataSourceName = %q", cfg.DataSourceName)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Name != "transcryptor" {
		t.Fatalf("peers = %+v", cfg.Peers)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeTemp(t, dir, "sf.yaml", `
listenAddress: ":9443"
dataSourceName: "file:sf.sqlite"
`)
	t.Setenv("PEP_LISTEN_ADDRESS", ":7000")

	cfg, err := Load("", yamlPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7000" {
		t.Fatalf("listenAddress = %q, want env override", cfg.ListenAddress)
	}
}

func TestValidateRequiresListenAndDataSource(t *testing.T) {
	cfg := defaultServerConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing dataSourceName")
	}
	cfg.DataSourceName = "file:x.sqlite"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
