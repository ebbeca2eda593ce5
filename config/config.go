// Package config loads scheduler settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/azargarov/jobsched"
)

// Prefix is prepended to every variable name.
const Prefix = "JOBSCHED_"

type Config struct {
	MaxQueueSize     int           `env:"MAX_QUEUE_SIZE" envDefault:"1000"`
	StartupDelay     time.Duration `env:"STARTUP_DELAY" envDefault:"0s"`
	ContinueOnError  bool          `env:"CONTINUE_ON_ERROR" envDefault:"true"`
	RestartOnFailure bool          `env:"RESTART_ON_FAILURE" envDefault:"false"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5m"`
	Workers          int           `env:"WORKERS" envDefault:"4"`
	SampleInterval   time.Duration `env:"SAMPLE_INTERVAL" envDefault:"30s"`

	HistoryDriver string `env:"HISTORY_DRIVER" envDefault:"sqlite"`
	HistoryDSN    string `env:"HISTORY_DSN" envDefault:"file:jobsched.db?_pragma=busy_timeout(5000)"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisChannel  string `env:"REDIS_CHANNEL" envDefault:"jobsched:events"`

	StatusAddr string `env:"STATUS_ADDR" envDefault:":8081"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	switch {
	case c.MaxQueueSize <= 0:
		return fmt.Errorf("config: MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	case c.Workers <= 0:
		return fmt.Errorf("config: WORKERS must be positive, got %d", c.Workers)
	case c.StartupDelay < 0:
		return fmt.Errorf("config: STARTUP_DELAY must not be negative, got %s", c.StartupDelay)
	case c.HeartbeatTimeout <= 0:
		return fmt.Errorf("config: HEARTBEAT_TIMEOUT must be positive, got %s", c.HeartbeatTimeout)
	case c.SampleInterval <= 0:
		return fmt.Errorf("config: SAMPLE_INTERVAL must be positive, got %s", c.SampleInterval)
	}
	switch c.HistoryDriver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("config: unknown HISTORY_DRIVER %q", c.HistoryDriver)
	}
	return nil
}

// LifecycleOptions maps the settings onto jobsched.Options.
func (c Config) LifecycleOptions() jobsched.Options {
	return jobsched.Options{
		StartupDelay:     c.StartupDelay,
		ContinueOnError:  c.ContinueOnError,
		RestartOnFailure: c.RestartOnFailure,
		HeartbeatTimeout: c.HeartbeatTimeout,
	}
}

func (c Config) EngineOptions() jobsched.EngineOptions {
	return jobsched.EngineOptions{
		Options: c.LifecycleOptions(),
		Workers: c.Workers,
	}
}

func (c Config) ManagerOptions() jobsched.ManagerOptions {
	return jobsched.ManagerOptions{
		Options:        c.LifecycleOptions(),
		SampleInterval: c.SampleInterval,
	}
}
