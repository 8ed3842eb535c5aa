// Package config loads the daemons' YAML configuration with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Orbit struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Learning  LearningConfig  `yaml:"learning"`
	Providers ProvidersConfig `yaml:"providers"`
	Limits    LimitsConfig    `yaml:"limits"`
	License   LicenseConfig   `yaml:"license"`
}

type Pulsar struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Transport TransportConfig `yaml:"transport"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Limits    LimitsConfig    `yaml:"limits"`
}

type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
}

type LearningConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	EmbeddingBaseURL    string  `yaml:"embedding_base_url"`
	EmbeddingAPIKey     string  `yaml:"embedding_api_key"`
	EmbeddingModel      string  `yaml:"embedding_model"`
	EmbeddingDimension  int     `yaml:"embedding_dimension"`
}

type ProvidersConfig struct {
	Default       string `yaml:"default"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIModel   string `yaml:"openai_model"`
	MaxRequests   int64  `yaml:"max_requests"`
	RatePerSecond int    `yaml:"rate_per_second"`
}

type LimitsConfig struct {
	MaxMemoryMB    int `yaml:"max_memory_mb"`
	MaxConcurrent  int `yaml:"max_concurrent"`
	MaxConnections int `yaml:"max_connections"`
}

type LicenseConfig struct {
	Key    string `yaml:"key"`
	Server string `yaml:"server"`
}

type TransportConfig struct {
	QuicAddr string `yaml:"quic_addr"`
}

type SessionsConfig struct {
	Shell             string `yaml:"shell"`
	SnapshotRetention int    `yaml:"snapshot_retention"`
}

type TransferConfig struct {
	MaxFileSizeMB  int64  `yaml:"max_file_size_mb"`
	ChunkSizeKB    int    `yaml:"chunk_size_kb"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
	DestDir        string `yaml:"dest_dir"`
}

// DataDir resolves the state directory: $ORBIT_DATA_DIR, then the config
// value, then ~/.local/share/orbit.
func DataDir(configured string) string {
	if dir := os.Getenv("ORBIT_DATA_DIR"); dir != "" {
		return dir
	}
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "orbit")
}

// LoadOrbit reads the orbit config; a missing file yields defaults.
func LoadOrbit(path string) (*Orbit, error) {
	cfg := &Orbit{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Learning.ConfidenceThreshold == 0 {
		cfg.Learning.ConfidenceThreshold = 0.7
	}
	if cfg.Limits.MaxConcurrent == 0 {
		cfg.Limits.MaxConcurrent = 100
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits.MaxMemoryMB = 500
	}
	if cfg.Providers.RatePerSecond == 0 {
		cfg.Providers.RatePerSecond = 2
	}
	if cfg.License.Server == "" {
		cfg.License.Server = os.Getenv("ORBIT_LICENSE_SERVER")
	}
	return cfg, nil
}

// LoadPulsar reads the pulsar config; a missing file yields defaults.
func LoadPulsar(path string) (*Pulsar, error) {
	cfg := &Pulsar{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Transport.QuicAddr == "" {
		cfg.Transport.QuicAddr = "127.0.0.1:4433"
	}
	if cfg.Sessions.SnapshotRetention == 0 {
		cfg.Sessions.SnapshotRetention = 10
	}
	if cfg.Transfer.ChunkSizeKB == 0 {
		cfg.Transfer.ChunkSizeKB = 1024
	}
	if cfg.Transfer.IdleTimeoutSec == 0 {
		cfg.Transfer.IdleTimeoutSec = 300
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = 100
	}
	return cfg, nil
}

// ConfigPath resolves the config file: $ORBIT_CONFIG or a default under the
// user config dir.
func ConfigPath(name string) string {
	if path := os.Getenv("ORBIT_CONFIG"); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return name + ".yaml"
	}
	return filepath.Join(dir, "orbit", name+".yaml")
}

// IdleTimeout converts the configured seconds.
func (c TransferConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
