package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/xraph/gatekeeper"
)

// config is loaded from GATEKEEPER_* environment variables; global flags
// override it.
type config struct {
	Driver            string        `envconfig:"DRIVER" default:"sqlite"`
	DSN               string        `envconfig:"DSN" default:"gatekeeper.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	DirectGrantMode   string        `envconfig:"DIRECT_GRANT_MODE" default:"replace"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"1m"`
	MatrixConcurrency int           `envconfig:"MATRIX_CONCURRENCY" default:"8"`
	Actor             string        `envconfig:"ACTOR" default:"cli"`
}

func loadConfig() (*config, error) {
	var cfg config
	if err := envconfig.Process("gatekeeper", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func (c *config) engineConfig() (gatekeeper.Config, error) {
	mode := gatekeeper.DirectGrantMode(strings.ToLower(c.DirectGrantMode))
	if mode != gatekeeper.DirectGrantReplace && mode != gatekeeper.DirectGrantWiden {
		return gatekeeper.Config{}, fmt.Errorf("unknown direct grant mode %q", c.DirectGrantMode)
	}
	return gatekeeper.Config{
		CacheTTL:          c.CacheTTL,
		DirectGrantMode:   mode,
		MatrixConcurrency: c.MatrixConcurrency,
	}, nil
}

func (c *config) logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
