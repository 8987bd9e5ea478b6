package coordinator

import "time"

// Config tunes guardian solicitation and publication.
type Config struct {
	RequestTimeout      time.Duration `yaml:"request_timeout"`       // RequestTimeout bounds one guardian call
	MaxAttempts         int           `yaml:"max_attempts"`          // MaxAttempts per guardian per run for transient errors
	InvalidShareRetries int           `yaml:"invalid_share_retries"` // InvalidShareRetries before a guardian is excluded
	RetryBackoff        time.Duration `yaml:"retry_backoff"`         // RetryBackoff is the initial retry delay
	PublishTimeout      time.Duration `yaml:"publish_timeout"`       // PublishTimeout bounds one publish call
	PublishMaxElapsed   time.Duration `yaml:"publish_max_elapsed"`   // PublishMaxElapsed bounds all publish retries
	SignTimeout         time.Duration `yaml:"sign_timeout"`          // SignTimeout bounds one solicitation run

	// UnreachableRuns is how many runs in a row may end with fewer than t guardians able to
	// answer before the session fails. Guardians that rejected or exhausted their retries in
	// a run count as unable to answer for that run.
	UnreachableRuns int `yaml:"unreachable_runs"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      5 * time.Second,
		MaxAttempts:         3,
		InvalidShareRetries: 1,
		RetryBackoff:        200 * time.Millisecond,
		PublishTimeout:      10 * time.Second,
		PublishMaxElapsed:   time.Minute,
		SignTimeout:         time.Minute,
		UnreachableRuns:     3,
	}
}

// applyDefaults fills zero fields from DefaultConfig.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InvalidShareRetries < 0 {
		c.InvalidShareRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = def.PublishTimeout
	}
	if c.PublishMaxElapsed <= 0 {
		c.PublishMaxElapsed = def.PublishMaxElapsed
	}
	if c.SignTimeout <= 0 {
		c.SignTimeout = def.SignTimeout
	}
	if c.UnreachableRuns <= 0 {
		c.UnreachableRuns = def.UnreachableRuns
	}
}
