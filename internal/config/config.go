// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	DataDir       string `yaml:"dataDir"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	LogLevel      string `yaml:"logLevel"`
}

// Load reads a YAML config file and fills in defaults for absent fields.
// A missing file yields the pure defaults.
func Load(path string) (Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error parsing config %s: %w", path, err)
		}
	}

	if config.DataDir == "" {
		config.DataDir = "data"
	}
	if config.MinimumFreeGB == 0 {
		config.MinimumFreeGB = 1
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}
