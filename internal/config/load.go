package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Environment variable names. SKYVAULT_PASSWORD is read by the CLI, not
// here; config only resolves paths and endpoints.
const (
	envConfigPath = "SKYVAULT_CONFIG"
	envBaseURL    = "SKYVAULT_BASE_URL"
)

// Load reads and parses a TOML config file and validates it. Unknown keys
// are fatal: silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns all
// defaults. Supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the override chain: defaults -> config file ->
// environment -> the CLI's --config and --base-url flags.
func Resolve(cliConfigPath, cliBaseURL string) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env := os.Getenv(envConfigPath); env != "" {
		cfgPath = env
	}

	if cliConfigPath != "" {
		cfgPath = cliConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, "", err
	}

	if env := os.Getenv(envBaseURL); env != "" {
		cfg.API.BaseURL = env
	}

	if cliBaseURL != "" {
		cfg.API.BaseURL = cliBaseURL
	}

	if err := Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}
