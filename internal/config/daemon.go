package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DaemonConfig is the server-side configuration for the command-execution
// core, loaded the way the pack's viper-based services load theirs
// (env vars override file values override defaults), grounded on
// marmos91-dittofs's pkg/config/config.go Load/setupViper pair.
type DaemonConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`

	DefaultCommandTimeout time.Duration `mapstructure:"default_command_timeout" yaml:"default_command_timeout"`
	ShortCommandTimeout   time.Duration `mapstructure:"short_command_timeout" yaml:"short_command_timeout"`
	DependencyWaitTimeout time.Duration `mapstructure:"dependency_wait_timeout" yaml:"dependency_wait_timeout"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
	MaxCommandOutcomes    int           `mapstructure:"max_command_outcomes" yaml:"max_command_outcomes"`
	MaxInFlightCommands   int           `mapstructure:"max_in_flight_commands" yaml:"max_in_flight_commands"`

	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
}

// TracingConfig controls the OTel SDK tracer provider wired at startup.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// BreakerConfig mirrors spec.md §4.4's hybrid circuit breaker thresholds.
type BreakerConfig struct {
	SessionFailureThreshold int           `mapstructure:"session_failure_threshold" yaml:"session_failure_threshold"`
	GlobalFailureThreshold  int           `mapstructure:"global_failure_threshold" yaml:"global_failure_threshold"`
	Window                  time.Duration `mapstructure:"window" yaml:"window"`
	RecoveryTimeout         time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenMaxCalls        int           `mapstructure:"half_open_max_calls" yaml:"half_open_max_calls"`
	SuccessThreshold        int           `mapstructure:"success_threshold" yaml:"success_threshold"`
}

// DefaultDaemonConfig returns the config the classification and breaker
// packages otherwise default to on their own (spec.md §4.1, §4.4).
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Addr:                  ":7080",
		DefaultCommandTimeout: 5 * time.Minute,
		ShortCommandTimeout:   30 * time.Second,
		DependencyWaitTimeout: 30 * time.Second,
		IdempotencyTTL:        10 * time.Minute,
		MaxCommandOutcomes:    2000,
		MaxInFlightCommands:   10000,
		Breaker: BreakerConfig{
			SessionFailureThreshold: 10,
			GlobalFailureThreshold:  50,
			Window:                  2 * time.Minute,
			RecoveryTimeout:         30 * time.Second,
			HalfOpenMaxCalls:        1,
			SuccessThreshold:        1,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
		LogLevel: "info",
	}
}

// LoadDaemon loads DaemonConfig from (in increasing precedence) defaults,
// an optional config file, and WINGMUX_*-prefixed environment variables.
func LoadDaemon(configPath string) (*DaemonConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("WINGMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about, so bind every key to
	// its WINGMUX_* variable up front; otherwise an env var would apply
	// only when the same key also appears in the config file.
	for _, key := range []string{
		"addr", "default_command_timeout", "short_command_timeout",
		"dependency_wait_timeout", "idempotency_ttl", "max_command_outcomes",
		"max_in_flight_commands", "breaker.session_failure_threshold",
		"breaker.global_failure_threshold", "breaker.window", "breaker.recovery_timeout",
		"breaker.half_open_max_calls", "breaker.success_threshold",
		"tracing.enabled", "tracing.sample_rate", "log_level", "log_file",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := DefaultDaemonConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal daemon config: %w", err)
	}
	return cfg, nil
}
