// Package config loads the Access Manager, Transcryptor, and Storage
// Facility server configurations from a YAML file with environment
// variable overrides, following walletserver/config/config.go's
// dotenv-then-struct pattern, generalized to a richer, per-role YAML
// document since PEP servers need considerably more than a port number.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TLSConfig names the certificate material a server loads at startup.
type TLSConfig struct {
	CertPath          string `yaml:"certPath"`
	KeyPath           string `yaml:"keyPath"`
	CAPath            string `yaml:"caPath"`
	PinnedFingerprint string `yaml:"pinnedFingerprint"`
}

// PeerConfig names a downstream server this one talks to (e.g. the
// Transcryptor a given Access Manager round-trips requests through).
type PeerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// ServerConfig is the shared shape of an Access Manager, Transcryptor, or
// Storage Facility server's configuration.
type ServerConfig struct {
	ListenAddress  string            `yaml:"listenAddress"`
	MetricsAddress string            `yaml:"metricsAddress"`
	DataSourceName string            `yaml:"dataSourceName"`
	AuditLogPath   string            `yaml:"auditLogPath"`
	RequestTimeout time.Duration     `yaml:"requestTimeout"`
	TLS            TLSConfig         `yaml:"tls"`
	Peers          []PeerConfig      `yaml:"peers"`
	// KeyRatios maps a recipient domain (e.g. "am", "sf", a user-group
	// name) to its hex-encoded PEP key-share ratio, per spec.md §4.3's
	// per-recipient rekeying ratios.
	KeyRatios map[string]string `yaml:"keyRatios"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:  ":8443",
		MetricsAddress: ":9090",
		RequestTimeout: 30 * time.Second,
	}
}

// Load reads envPath (if present) via godotenv, then yamlPath, and returns
// the merged ServerConfig; environment variables take precedence over the
// YAML document for the fields that have one.
func Load(envPath, yamlPath string) (ServerConfig, error) {
	cfg := defaultServerConfig()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return ServerConfig{}, fmt.Errorf("config: loading env: %w", err)
		}
	}

	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("config: reading %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return ServerConfig{}, fmt.Errorf("config: parsing %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("PEP_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("PEP_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	if v := os.Getenv("PEP_DATA_SOURCE_NAME"); v != "" {
		cfg.DataSourceName = v
	}
	if v := os.Getenv("PEP_AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
}

// Validate checks that the fields required for a server to start are
// present.
func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listenAddress is required")
	}
	if c.DataSourceName == "" {
		return fmt.Errorf("config: dataSourceName is required")
	}
	return nil
}
