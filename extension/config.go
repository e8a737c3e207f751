package extension

import (
	"time"

	"github.com/xraph/gatekeeper"
)

// Config holds the gatekeeper extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.gatekeeper" or "gatekeeper" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// CacheTTL bounds how long effective sets and the role-forest
	// snapshot are served (default: 1m).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// CacheSize is the number of users kept in the in-process LRU
	// (default: 10000). Ignored when SharedCache is set.
	CacheSize int `json:"cache_size" mapstructure:"cache_size" yaml:"cache_size"`

	// DisableCache evaluates every request against a fresh effective set.
	DisableCache bool `json:"disable_cache" mapstructure:"disable_cache" yaml:"disable_cache"`

	// SharedCache stores effective sets in the *redis.Client registered
	// in the DI container so every instance sees the same entries.
	SharedCache bool `json:"shared_cache" mapstructure:"shared_cache" yaml:"shared_cache"`

	// DirectGrantMode is "replace" (default) or "widen".
	DirectGrantMode gatekeeper.DirectGrantMode `json:"direct_grant_mode" mapstructure:"direct_grant_mode" yaml:"direct_grant_mode"`

	// MatrixConcurrency bounds parallel evaluations in the user matrix.
	MatrixConcurrency int `json:"matrix_concurrency" mapstructure:"matrix_concurrency" yaml:"matrix_concurrency"`

	// GroveDriver builds the store from the *grove.DB registered in the DI
	// container when no store was provided: "mongo", "postgres" or "sqlite".
	GroveDriver string `json:"grove_driver" mapstructure:"grove_driver" yaml:"grove_driver"`

	// Metrics registers the Prometheus plugin on the default registerer.
	Metrics bool `json:"metrics" mapstructure:"metrics" yaml:"metrics"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:          time.Minute,
		CacheSize:         10000,
		DirectGrantMode:   gatekeeper.DirectGrantReplace,
		MatrixConcurrency: 8,
	}
}

// engineConfig maps the extension settings onto the engine's Config.
func (c Config) engineConfig() gatekeeper.Config {
	return gatekeeper.Config{
		CacheTTL:          c.CacheTTL,
		DirectGrantMode:   c.DirectGrantMode,
		MatrixConcurrency: c.MatrixConcurrency,
	}
}
