package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"Roastr/internal/coordinator"
	"Roastr/internal/storage"
)

// Config holds the daemon configuration.
type Config struct {
	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen"`

	// DataDir holds the locked store.
	DataDir string `yaml:"data_dir"`

	// Engine is the storage engine: pebble or badger.
	Engine string `yaml:"engine"`

	// NoWait fails at startup instead of waiting when another process holds the data directory.
	NoWait bool `yaml:"no_wait"`

	// Coordinator tunes solicitation and publication.
	Coordinator coordinator.Config `yaml:"coordinator"`
}

var (
	flagConfig = &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML config file; flags override its values",
		EnvVars: []string{"ROASTR_CONFIG"},
	}
	flagListen = &cli.StringFlag{
		Name:    "listen",
		Value:   "127.0.0.1:7400",
		Usage:   "HTTP API listen address",
		EnvVars: []string{"ROASTR_LISTEN"},
	}
	flagDataDir = &cli.StringFlag{
		Name:    "data-dir",
		Value:   "./roastr-data",
		Usage:   "Data directory",
		EnvVars: []string{"ROASTR_DATA_DIR"},
	}
	flagEngine = &cli.StringFlag{
		Name:    "engine",
		Value:   storage.EnginePebble,
		Usage:   "Storage engine: pebble or badger",
		EnvVars: []string{"ROASTR_ENGINE"},
	}
	flagNoWait = &cli.BoolFlag{
		Name:  "no-wait",
		Usage: "Exit if the data directory is locked instead of waiting",
	}
)

// defaultConfig returns the flag defaults.
func defaultConfig() Config {
	return Config{
		Listen:      flagListen.Value,
		DataDir:     flagDataDir.Value,
		Engine:      flagEngine.Value,
		Coordinator: coordinator.DefaultConfig(),
	}
}

// loadConfig reads the optional config file, then applies explicitly set flags.
func loadConfig(cCtx *cli.Context) (Config, error) {
	cfg := defaultConfig()

	if path := cCtx.String(flagConfig.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config:\n%w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s:\n%w", path, err)
		}
	}

	if cCtx.IsSet(flagListen.Name) {
		cfg.Listen = cCtx.String(flagListen.Name)
	}
	if cCtx.IsSet(flagDataDir.Name) {
		cfg.DataDir = cCtx.String(flagDataDir.Name)
	}
	if cCtx.IsSet(flagEngine.Name) {
		cfg.Engine = cCtx.String(flagEngine.Name)
	}
	if cCtx.IsSet(flagNoWait.Name) {
		cfg.NoWait = cCtx.Bool(flagNoWait.Name)
	}

	return cfg, nil
}
