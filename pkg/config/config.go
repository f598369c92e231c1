// Package config loads the runner's TOML configuration file into
// pkg/types.RunnerConfig.
package config

import (
	"fmt"
	"os"

	"github.com/cuemby/nspawnrunner/pkg/types"
	"github.com/pelletier/go-toml/v2"
)

// Load reads and decodes the runner configuration file at path.
func Load(path string) (*types.RunnerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg types.RunnerConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Environments == nil {
		cfg.Environments = map[string]types.EnvironmentConfig{}
	}

	return &cfg, nil
}

// Environment looks up an environment by its textual id.
func Environment(cfg *types.RunnerConfig, environmentID string) (types.EnvironmentConfig, bool) {
	env, ok := cfg.Environments[environmentID]
	return env, ok
}
