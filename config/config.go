// Package config loads the worker manager's on-disk configuration.
// The file is a process-wide singleton: written once if missing, read once
// at startup, and treated as immutable afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tpc-cloud/worker-node/internal/logging"
)

// Config describes everything the worker manager needs to boot a guest and
// reach the orchestrator.
type Config struct {
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`
	RawWSPort  int    `json:"raw_ws_port"`

	ServerURL                string `json:"server_url"`
	CPULimit                 int    `json:"cpu_limit"`
	MemoryLimit              int    `json:"memory_limit"`
	QEMUInstallationLocation string `json:"qemu_installation_location"`
	VMImageLocation          string `json:"vm_image_location"`

	Logging logging.Config `json:"logging"`
}

// DefaultPath returns the platform-specific configuration location.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("USERPROFILE"), ".tpc-worker-manager", "config.json")
	}
	return "/etc/tpc-worker-manager/config.json"
}

// DefaultConfig returns the configuration written on first boot.
func DefaultConfig() *Config {
	return &Config{
		ServerIP:                 "127.0.0.1",
		ServerPort:               8080,
		RawWSPort:                9090,
		ServerURL:                "http://127.0.0.1:8080",
		CPULimit:                 4,
		MemoryLimit:              4096,
		QEMUInstallationLocation: "undefined",
		VMImageLocation:          "undefined",
		Logging:                  logging.DefaultConfig("worker-manager"),
	}
}

// Load reads the configuration at path. A missing file is not an error: the
// defaults are written there and returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if werr := write(path, cfg); werr != nil {
			return nil, fmt.Errorf("write default config: %w", werr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	if c.CPULimit <= 0 {
		return fmt.Errorf("cpu_limit must be positive, got %d", c.CPULimit)
	}
	if c.MemoryLimit <= 0 {
		return fmt.Errorf("memory_limit must be positive, got %d", c.MemoryLimit)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	return nil
}

func write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
