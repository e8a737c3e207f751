package gatekeeper

import "time"

// DirectGrantMode selects how a user's direct grants combine with the
// role-derived candidates of the same (resource type, action) pair.
type DirectGrantMode string

const (
	// DirectGrantReplace drops every role-derived candidate of a pair the
	// user holds a direct grant for. A direct grant can therefore narrow.
	DirectGrantReplace DirectGrantMode = "replace"

	// DirectGrantWiden keeps role-derived candidates next to the direct
	// grants so the broadest scope wins.
	DirectGrantWiden DirectGrantMode = "widen"
)

// Config holds configuration for the gatekeeper engine.
type Config struct {
	// CacheTTL bounds how long a cached effective set or role-forest
	// snapshot may be served. Defaults to one minute.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// DirectGrantMode defaults to DirectGrantReplace.
	DirectGrantMode DirectGrantMode `json:"direct_grant_mode,omitempty"`

	// MatrixConcurrency bounds parallel user evaluations in the user
	// matrix. Defaults to 8.
	MatrixConcurrency int `json:"matrix_concurrency,omitempty"`

	// MatrixPageSize is used when a matrix page has no limit. Defaults to 100.
	MatrixPageSize int `json:"matrix_page_size,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:          time.Minute,
		DirectGrantMode:   DirectGrantReplace,
		MatrixConcurrency: 8,
		MatrixPageSize:    100,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.DirectGrantMode != DirectGrantWiden {
		c.DirectGrantMode = DirectGrantReplace
	}
	if c.MatrixConcurrency <= 0 {
		c.MatrixConcurrency = d.MatrixConcurrency
	}
	if c.MatrixPageSize <= 0 {
		c.MatrixPageSize = d.MatrixPageSize
	}
	return c
}
