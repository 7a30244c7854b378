package tempo

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the scheduler and its resolver.
type Config struct {
	// Concurrency is the maximum number of threads evaluated in parallel
	// during a single poll.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how often the scheduler loop polls threads.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownTimeout is the maximum time to wait for an in-flight poll on stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LeaseTTL is how long a per-thread execution lease is held. A lease that
	// expires without a completion record makes the thread pollable again.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// SubmitTimeout bounds a single Executor submission. Timeouts are retryable.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`

	// InlineLimit is K: the largest number of handles a batch may carry inline.
	InlineLimit int `yaml:"inline_limit"`

	// TableCapacity is the maximum membership of a single lookup table.
	TableCapacity int `yaml:"table_capacity"`

	// WarmupEpochs is W: epochs that must elapse after a table extension
	// before the table may be referenced.
	WarmupEpochs uint64 `yaml:"warmup_epochs"`

	// DefaultFee is charged per execution for threads created without a fee.
	DefaultFee uint64 `yaml:"default_fee"`

	// AutoBindTables lets the scheduler extend a thread's bound tables with
	// handles that overflow the inline budget.
	AutoBindTables bool `yaml:"auto_bind_tables"`

	// AutoAllocateTables lets the scheduler allocate an additional table when
	// every bound table is full. Requires AutoBindTables.
	AutoAllocateTables bool `yaml:"auto_allocate_tables"`

	// RetryInitial and RetryMax bound the per-thread exponential backoff.
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`

	// AuthorityRateLimit caps executions per second per authority. Zero
	// disables rate limiting.
	AuthorityRateLimit float64 `yaml:"authority_rate_limit"`
	AuthorityRateBurst int     `yaml:"authority_rate_burst"`

	// AuthorityConcurrency caps in-flight executions per authority.
	AuthorityConcurrency int `yaml:"authority_concurrency"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LeaseTTL:           30 * time.Second,
		SubmitTimeout:      10 * time.Second,
		InlineLimit:        32,
		TableCapacity:      256,
		WarmupEpochs:       1,
		DefaultFee:         1000,
		AutoBindTables:     true,
		AutoAllocateTables: false,
		RetryInitial:       1 * time.Second,
		RetryMax:           5 * time.Minute,
	}
}

// Validate reports configuration values the scheduler cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Concurrency <= 0:
		return fmt.Errorf("tempo: config: concurrency must be > 0")
	case c.InlineLimit <= 0:
		return fmt.Errorf("tempo: config: inline_limit must be > 0")
	case c.TableCapacity <= 0 || c.TableCapacity > 65536:
		return fmt.Errorf("tempo: config: table_capacity must be in (0, 65536]")
	case c.LeaseTTL <= 0:
		return fmt.Errorf("tempo: config: lease_ttl must be > 0")
	case c.AutoAllocateTables && !c.AutoBindTables:
		return fmt.Errorf("tempo: config: auto_allocate_tables requires auto_bind_tables")
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("tempo: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("tempo: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Option adjusts a Config.
type Option func(*Config)

// Apply returns a copy of c with opts applied.
func (c Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithConcurrency sets the number of threads evaluated in parallel per poll.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithPollInterval sets how often the scheduler loop polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

// WithLeaseTTL sets the per-thread execution lease TTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(c *Config) { c.LeaseTTL = d }
}

// WithSubmitTimeout bounds each Executor submission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *Config) { c.SubmitTimeout = d }
}

// WithInlineLimit sets K, the inline handle budget per batch.
func WithInlineLimit(k int) Option {
	return func(c *Config) { c.InlineLimit = k }
}

// WithTableCapacity sets the maximum membership of a lookup table.
func WithTableCapacity(n int) Option {
	return func(c *Config) { c.TableCapacity = n }
}

// WithWarmupEpochs sets W, the lookup table warm-up delay in epochs.
func WithWarmupEpochs(w uint64) Option {
	return func(c *Config) { c.WarmupEpochs = w }
}

// WithDefaultFee sets the per-execution fee for threads without one.
func WithDefaultFee(fee uint64) Option {
	return func(c *Config) { c.DefaultFee = fee }
}

// WithAutoBindTables toggles automatic table extension on overflow.
func WithAutoBindTables(on bool) Option {
	return func(c *Config) { c.AutoBindTables = on }
}

// WithAutoAllocateTables toggles allocation of extra tables when bound
// tables are full.
func WithAutoAllocateTables(on bool) Option {
	return func(c *Config) { c.AutoAllocateTables = on }
}

// WithRetryBackoff sets the bounds of the per-thread retry backoff.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.RetryInitial = initial
		c.RetryMax = maxDelay
	}
}

// WithAuthorityLimits sets per-authority rate and concurrency limits.
func WithAuthorityLimits(perSecond float64, burst, concurrency int) Option {
	return func(c *Config) {
		c.AuthorityRateLimit = perSecond
		c.AuthorityRateBurst = burst
		c.AuthorityConcurrency = concurrency
	}
}
