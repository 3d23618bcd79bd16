// Package config loads rcpxd's configuration in the three-tier precedence
// the reference implementation uses (defaults -> YAML file -> environment),
// replacing its hand-rolled std::env parsing with struct-tag-driven
// gopkg.in/yaml.v3 and github.com/caarlos0/env/v11 bindings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/rcpx/rcpx/internal/wal"
)

// Config mirrors the reference implementation's Config sections.
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Storage    StorageConfig    `yaml:"storage"`
	Compaction CompactionConfig `yaml:"compaction"`
	Auth       AuthConfig       `yaml:"auth"`
	TLS        TLSConfig        `yaml:"tls"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type NetworkConfig struct {
	BindAddr       string `yaml:"bind_addr" env:"RCPX_BIND"`
	IdleTimeoutSec uint64 `yaml:"idle_timeout_secs" env:"RCPX_IDLE_TIMEOUT"`
	MaxConnections int    `yaml:"max_connections" env:"RCPX_MAX_CONNECTIONS"`
}

func (n NetworkConfig) IdleTimeout() time.Duration {
	return time.Duration(n.IdleTimeoutSec) * time.Second
}

// FsyncPolicyName selects a wal.FsyncPolicy by name; EveryN/EveryMs carry a
// parameter appended after a colon, e.g. "every_n:100".
type FsyncPolicyName string

type StorageConfig struct {
	DataDir            string          `yaml:"data_dir" env:"RCPX_DATA"`
	WALSegmentSizeMB   uint64          `yaml:"wal_segment_size_mb" env:"RCPX_WAL_SEGMENT_SIZE_MB"`
	FsyncPolicy        FsyncPolicyName `yaml:"fsync_policy" env:"RCPX_FSYNC_POLICY"`
	MaxMachineVersions int             `yaml:"max_machine_versions" env:"RCPX_MAX_MACHINE_VERSIONS"`
}

func (s StorageConfig) WALSegmentSizeBytes() uint64 { return s.WALSegmentSizeMB * 1024 * 1024 }

// Resolve parses the configured policy name into a wal.FsyncPolicy,
// accepting "every_n:<n>" and "every_ms:<n>" parameterized forms. An
// unrecognized value falls back to EveryWrite, the safest default.
func (n FsyncPolicyName) Resolve() wal.FsyncPolicy {
	name := strings.ToLower(string(n))
	switch {
	case name == "every_write" || name == "everywrite" || name == "":
		return wal.EveryWrite()
	case name == "never":
		return wal.Never()
	case strings.HasPrefix(name, "every_n:"):
		v, err := strconv.ParseUint(strings.TrimPrefix(name, "every_n:"), 10, 32)
		if err != nil {
			v = 100
		}
		return wal.EveryN(uint32(v))
	case strings.HasPrefix(name, "every_ms:"):
		v, err := strconv.ParseUint(strings.TrimPrefix(name, "every_ms:"), 10, 32)
		if err != nil {
			v = 100
		}
		return wal.EveryMs(time.Duration(v) * time.Millisecond)
	default:
		return wal.EveryWrite()
	}
}

type CompactionConfig struct {
	Enabled         bool   `yaml:"enabled" env:"RCPX_COMPACT_ENABLED"`
	EventsThreshold uint64 `yaml:"events_threshold" env:"RCPX_COMPACT_EVENTS"`
	SizeThresholdMB uint64 `yaml:"size_threshold_mb" env:"RCPX_COMPACT_SIZE_MB"`
	MinIntervalSec  uint64 `yaml:"min_interval_secs" env:"RCPX_COMPACT_MIN_INTERVAL"`
}

func (c CompactionConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSec) * time.Second
}

type AuthConfig struct {
	Required    bool     `yaml:"required" env:"RCPX_AUTH_REQUIRED"`
	TokenHashes []string `yaml:"token_hashes" env:"RCPX_AUTH_TOKEN_HASH"`
	SecretsFile string   `yaml:"secrets_file" env:"RCPX_AUTH_SECRETS_FILE"`
}

// LoadSecrets appends token hashes from SecretsFile, one per line, skipping
// blank lines and "#"-prefixed comments.
func (a *AuthConfig) LoadSecrets() error {
	if a.SecretsFile == "" {
		return nil
	}
	raw, err := os.ReadFile(a.SecretsFile)
	if err != nil {
		return fmt.Errorf("read auth secrets file: %w", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a.TokenHashes = append(a.TokenHashes, line)
	}
	return nil
}

type TLSConfig struct {
	Enabled           bool   `yaml:"enabled" env:"RCPX_TLS_ENABLED"`
	CertPath          string `yaml:"cert_path" env:"RCPX_TLS_CERT"`
	KeyPath           string `yaml:"key_path" env:"RCPX_TLS_KEY"`
	RequireClientCert bool   `yaml:"require_client_cert" env:"RCPX_TLS_REQUIRE_CLIENT_CERT"`
	ClientCAPath      string `yaml:"client_ca_path" env:"RCPX_TLS_CLIENT_CA"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" env:"RCPX_METRICS_ENABLED"`
	BindAddr string `yaml:"bind_addr" env:"RCPX_METRICS_BIND"`
}

// Default returns the built-in defaults, the first tier of precedence.
func Default() Config {
	return Config{
		Network: NetworkConfig{BindAddr: "127.0.0.1:7401", IdleTimeoutSec: 300, MaxConnections: 1000},
		Storage: StorageConfig{DataDir: "./data", WALSegmentSizeMB: 64, FsyncPolicy: "every_write", MaxMachineVersions: 0},
		Compaction: CompactionConfig{
			Enabled: true, EventsThreshold: 10000, SizeThresholdMB: 100, MinIntervalSec: 60,
		},
		Auth:    AuthConfig{Required: false},
		TLS:     TLSConfig{Enabled: false},
		Metrics: MetricsConfig{Enabled: true, BindAddr: "127.0.0.1:7402"},
	}
}

// Load builds a Config from defaults, optionally overridden by the YAML
// file named in RCPX_CONFIG, then by environment variables — the same
// precedence as the reference implementation's Config::load().
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("RCPX_CONFIG"); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.Auth.LoadSecrets(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
