// Package config holds process configuration: a JSON file under the home
// directory overridden by environment variables. The Slack token is not
// configuration; it lives only in the store and is set through saveToken.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".homewatch"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// Config is the full process configuration.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Gateway GatewayConfig `json:"gateway"`
	IPCheck IPCheckConfig `json:"ipCheck"`
	Kafka   KafkaConfig   `json:"kafka"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// GatewayConfig configures the local control API.
type GatewayConfig struct {
	Host string `json:"host" envconfig:"HOST"`
	Port int    `json:"port" envconfig:"PORT"`
}

// IPCheckConfig configures the WAN address watcher.
type IPCheckConfig struct {
	Enabled         bool   `json:"enabled" envconfig:"ENABLED"`
	ProbeURL        string `json:"probeUrl" envconfig:"PROBE_URL"`
	IntervalMinutes int    `json:"intervalMinutes" envconfig:"INTERVAL_MINUTES"`
}

// KafkaConfig configures the optional lifecycle-notice mirror. Empty
// brokers disables it.
type KafkaConfig struct {
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/" + ConfigDir,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8137,
		},
		IPCheck: IPCheckConfig{
			Enabled:         true,
			ProbeURL:        "https://api.ipify.org",
			IntervalMinutes: 15,
		},
		Kafka: KafkaConfig{
			Topic: "homewatch.notices",
		},
	}
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("HOMEWATCH_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults. A missing file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	envconfig.Process("HOMEWATCH_PATHS", &cfg.Paths)
	envconfig.Process("HOMEWATCH_GATEWAY", &cfg.Gateway)
	envconfig.Process("HOMEWATCH_IPCHECK", &cfg.IPCheck)
	envconfig.Process("HOMEWATCH_KAFKA", &cfg.Kafka)

	cfg.Paths.DataDir, err = expandHome(cfg.Paths.DataDir)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration file, creating its directory if needed.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// StorePath returns the location of the SQLite store inside DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.DataDir, "homewatch.db")
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
