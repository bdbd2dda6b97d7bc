// Package config loads process tunables from an optional YAML file and SELLEROPS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/sellerops/pkg/jobs"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SELLEROPS_WORKER_CONCURRENCY.
const EnvPrefix = "SELLEROPS"

type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Backoff  BackoffConfig  `mapstructure:"backoff"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Features FeaturesConfig `mapstructure:"features"`
}

type WorkerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
}

type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

type JobsConfig struct {
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	Timeouts           []TypeTimeout `mapstructure:"timeouts"`
}

// TypeTimeout overrides the handler timeout of one job type. Job types contain dots, so
// they are list entries rather than map keys.
type TypeTimeout struct {
	Type    string        `mapstructure:"type"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RulesConfig struct {
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`
}

type FeaturesConfig struct {
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.concurrency", jobs.DefaultConcurrency)
	v.SetDefault("worker.poll_interval", jobs.DefaultPollInterval)
	v.SetDefault("worker.grace_period", jobs.DefaultGracePeriod)
	v.SetDefault("worker.sweep_interval", jobs.DefaultSweepInterval)
	v.SetDefault("worker.cancel_poll_interval", jobs.DefaultCancelPollInterval)

	v.SetDefault("backoff.base", jobs.DefaultBackoffBase)
	v.SetDefault("backoff.max", jobs.DefaultBackoffMax)
	v.SetDefault("backoff.jitter", jobs.DefaultBackoffJitter)

	v.SetDefault("jobs.default_timeout", jobs.DefaultTimeout)
	v.SetDefault("jobs.default_max_attempts", jobs.DefaultMaxAttempts)

	v.SetDefault("rules.reload_debounce", time.Second)

	v.SetDefault("features.lock_ttl", 2*time.Minute)
	v.SetDefault("features.dedup_window", 30*time.Second)
}

// Load reads path (when not empty) and the environment. Environment variables win over
// the file, the file wins over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the job core cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency))
	}

	if c.Worker.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.poll_interval must be positive, got %s", c.Worker.PollInterval))
	}

	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff needs 0 < base <= max, got base=%s max=%s", c.Backoff.Base, c.Backoff.Max))
	}

	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter must be within [0, 1], got %g", c.Backoff.Jitter))
	}

	if c.Jobs.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("jobs.default_timeout must be positive, got %s", c.Jobs.DefaultTimeout))
	}

	if c.Jobs.DefaultMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("jobs.default_max_attempts must be at least 1, got %d", c.Jobs.DefaultMaxAttempts))
	}

	for i, override := range c.Jobs.Timeouts {
		if override.Type == "" || override.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("jobs.timeouts[%d] needs a type and a positive timeout", i))
		}
	}

	return errors.Join(errs...)
}

// BackoffPolicy returns the retry policy.
func (c *Config) BackoffPolicy() jobs.Backoff {
	return jobs.Backoff{
		Base:   c.Backoff.Base,
		Max:    c.Backoff.Max,
		Jitter: c.Backoff.Jitter,
	}
}

// PoolOptions returns the worker pool options derived from the configuration.
func (c *Config) PoolOptions() []jobs.PoolOption {
	return []jobs.PoolOption{
		jobs.WithConcurrency(c.Worker.Concurrency),
		jobs.WithPollInterval(c.Worker.PollInterval),
		jobs.WithGracePeriod(c.Worker.GracePeriod),
		jobs.WithSweepInterval(c.Worker.SweepInterval),
		jobs.WithCancelPollInterval(c.Worker.CancelPollInterval),
		jobs.WithBackoff(c.BackoffPolicy()),
	}
}

// ApplyTimeouts sets the default timeout and the per-type overrides on a registry whose
// handlers are already registered.
func (c *Config) ApplyTimeouts(registry *jobs.Registry) error {
	registry.SetDefaultTimeout(c.Jobs.DefaultTimeout)

	for _, override := range c.Jobs.Timeouts {
		if err := registry.SetTimeout(override.Type, override.Timeout); err != nil {
			return fmt.Errorf("jobs.timeouts %s: %w", override.Type, err)
		}
	}

	return nil
}
