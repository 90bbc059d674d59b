// Package config loads gocjs settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. GOCJS_TIMEOUT.
const Prefix = "GOCJS"

// Config holds all host-side configuration.
type Config struct {
	// Script execution
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"30s"`
	ModulesDir   string        `envconfig:"MODULES_DIR"`
	MaxCallStack int           `envconfig:"MAX_CALL_STACK" default:"0"`

	// wazero runtime used for .wasm modules
	WasmDiskCache   bool   `envconfig:"WASM_DISK_CACHE" default:"false"`
	WasmCacheDir    string `envconfig:"WASM_CACHE_DIR"`
	WasmMemoryPages uint32 `envconfig:"WASM_MEMORY_PAGES" default:"0"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Timeout:  30 * time.Second,
		LogLevel: "info",
	}
}
