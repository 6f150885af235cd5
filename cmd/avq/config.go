package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the avq configuration file (~/.config/avq/config.yaml).
// Numeric fields are pointers so "not set" is distinguishable from zero.
type Config struct {
	Artifact string `yaml:"artifact"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	RatePerSec    *float64 `yaml:"rate_per_sec"`
	Burst         *int64   `yaml:"burst"`
	Workers       *int64   `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "avq", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyCommonConfig fills logging defaults from the config file when the
// corresponding flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rps *float64, burst, workers *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RatePerSec != nil && !c.IsSet("rate") {
		*rps = *cfg.RatePerSec
	}
	if cfg.Burst != nil && !c.IsSet("burst") {
		*burst = *cfg.Burst
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
}
