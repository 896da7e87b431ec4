// Package config loads relay settings: compiled defaults, overlaid by an
// optional TOML file, overlaid by environment variables. Only keys present
// in the file override defaults, so a sparse config stays sparse.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config is the resolved relay configuration.
type Config struct {
	ListenAddr  string
	MetricsAddr string // empty disables the metrics endpoint
	RelayID     string
	RelayURL    string // advertised to the coordinator for cross-relay lookup
	LogLevel    string

	Coordinator CoordinatorConfig
	TLS         TLSConfig
}

// CoordinatorConfig selects the namespace registry backend.
type CoordinatorConfig struct {
	Backend string // "memory" or "file"
	Path    string // registry file for the file backend
}

// TLSConfig points at a certificate pair; empty means a self-signed
// certificate is generated at startup.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type fileConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	RelayID     string `toml:"relay_id"`
	RelayURL    string `toml:"relay_url"`
	LogLevel    string `toml:"log_level"`

	CoordinatorBackend string `toml:"coordinator_backend"`
	CoordinatorPath    string `toml:"coordinator_path"`

	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

// Default returns the compiled-in defaults.
func Default() Config {
	return Config{
		ListenAddr:  ":4443",
		MetricsAddr: ":9091",
		RelayID:     "moqd-" + uuid.NewString()[:8],
		LogLevel:    "info",
		Coordinator: CoordinatorConfig{Backend: "memory"},
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if meta.IsDefined("listen_addr") {
			cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
		}
		if meta.IsDefined("metrics_addr") {
			cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
		}
		if meta.IsDefined("relay_id") {
			cfg.RelayID = strings.TrimSpace(raw.RelayID)
		}
		if meta.IsDefined("relay_url") {
			cfg.RelayURL = strings.TrimSpace(raw.RelayURL)
		}
		if meta.IsDefined("log_level") {
			cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
		}
		if meta.IsDefined("coordinator_backend") {
			cfg.Coordinator.Backend = strings.TrimSpace(raw.CoordinatorBackend)
		}
		if meta.IsDefined("coordinator_path") {
			cfg.Coordinator.Path = strings.TrimSpace(raw.CoordinatorPath)
		}
		if meta.IsDefined("tls_cert_file") {
			cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
		}
		if meta.IsDefined("tls_key_file") {
			cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
		}
	}

	cfg.ListenAddr = envOr("MOQD_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("MOQD_METRICS_ADDR", cfg.MetricsAddr)
	cfg.RelayID = envOr("MOQD_RELAY_ID", cfg.RelayID)
	cfg.RelayURL = envOr("MOQD_RELAY_URL", cfg.RelayURL)
	cfg.LogLevel = envOr("MOQD_LOG_LEVEL", cfg.LogLevel)
	cfg.Coordinator.Backend = envOr("MOQD_COORDINATOR", cfg.Coordinator.Backend)
	cfg.Coordinator.Path = envOr("MOQD_COORDINATOR_PATH", cfg.Coordinator.Path)
	if os.Getenv("DEBUG") != "" {
		cfg.LogLevel = "debug"
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Coordinator.Backend {
	case "memory":
	case "file":
		if c.Coordinator.Path == "" {
			return fmt.Errorf("config: file coordinator requires coordinator_path")
		}
	default:
		return fmt.Errorf("config: unknown coordinator backend %q", c.Coordinator.Backend)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("config: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
