package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is ~/.config/sparsemoe/config.yaml. Pointer fields distinguish
// "not set" from zero values.
type Config struct {
	Backend          *string  `yaml:"backend"`
	Workers          *int64   `yaml:"workers"`
	Quant            *float64 `yaml:"quant"`
	DispatchCapacity *int64   `yaml:"dispatch_capacity"`

	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	ServerAddress *string `yaml:"server_address"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sparsemoe", "config.yaml")
}

// loadConfig reads path. A missing file yields a zero Config; a malformed
// one is an error so typos do not go unnoticed.
func loadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Quant != nil && (*cfg.Quant < 0 || *cfg.Quant > 1) {
		return Config{}, fmt.Errorf("%s: quant %v outside [0,1]", path, *cfg.Quant)
	}
	return cfg, nil
}

// isSet reports whether the named flag was given on the command line.
type isSet interface {
	IsSet(name string) bool
}

var _ isSet = (*cli.Command)(nil)

// applyConfig copies config values into the flag variables that were not
// explicitly set.
func applyConfig(c isSet, cfg Config) {
	if cfg.Backend != nil && !c.IsSet("backend") {
		backend = *cfg.Backend
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Quant != nil && !c.IsSet("quant") {
		quant = *cfg.Quant
	}
	if cfg.DispatchCapacity != nil && !c.IsSet("dispatch-capacity") {
		dispatchCapacity = *cfg.DispatchCapacity
	}
	if cfg.LogLevel != nil && !c.IsSet("log-level") {
		logLevel = *cfg.LogLevel
	}
	if cfg.LogFormat != nil && !c.IsSet("log-format") {
		logFormat = *cfg.LogFormat
	}
}

// applyServeConfig applies config defaults to serve-only flags.
func applyServeConfig(c isSet, cfg Config, addr *string) {
	if cfg.ServerAddress != nil && !c.IsSet("addr") {
		*addr = *cfg.ServerAddress
	}
}
