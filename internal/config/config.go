package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the application-level configuration loaded from the YAML
// config file (or defaults). Operational settings that the operator can
// change at runtime (scheduler, nuclei, notifications) live in the settings
// table instead and are loaded per operation via the Settings* types.
type Config struct {
	// Server
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Storage
	DataDir string `yaml:"data_dir"` // scan logs, temp target lists
	DBPath  string `yaml:"db_path"`

	// Scanner binaries (must be in PATH unless absolute)
	SubfinderBin string `yaml:"subfinder_bin"`
	HttpxBin     string `yaml:"httpx_bin"`
	NucleiBin    string `yaml:"nuclei_bin"`

	// Debug
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, "cnm")
	if err != nil {
		dataDir = "./cnm"
	}

	return &Config{
		Host:           "127.0.0.1", // Localhost only by default
		Port:           8787,
		AllowedOrigins: []string{"http://localhost:8787", "http://127.0.0.1:8787"},
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "cnm.db"),
		SubfinderBin:   "subfinder",
		HttpxBin:       "httpx",
		NucleiBin:      "nuclei",
	}
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./cnm/config.yaml"
	}
	return filepath.Join(homeDir, "cnm", "config.yaml")
}

// Load reads the config file at path, overlaying it on the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "cnm.db")
	}

	return cfg, nil
}

// LogDir returns the directory holding per-scan log files
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// EnsureDirs creates the data and log directories
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.LogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
