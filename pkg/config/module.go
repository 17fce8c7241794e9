package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration parses from strings like "5s" in both YAML documents and
// ATRIUM_* environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the whole server configuration. Process builds it from
// defaults, then YAML files in order, then environment variables, each
// layer overriding the one before it.
type Config struct {
	Debug bool `yaml:"debug" env:"DEBUG"`

	// TestMode loosens the limits that get in the way of automated
	// tests: a longer join deadline and an effectively unlimited
	// per-address rate cap.
	TestMode bool `yaml:"testMode" env:"TEST_MODE"`

	Port           int      `yaml:"port" env:"PORT"`
	OriginPatterns []string `yaml:"originPatterns" env:"ORIGIN_PATTERNS"`

	JoinTimeout       Duration `yaml:"joinTimeout" env:"JOIN_TIMEOUT"`
	RateLimitWindow   Duration `yaml:"rateLimitWindow" env:"RATE_LIMIT_WINDOW"`
	RateLimitCap      int      `yaml:"rateLimitCap" env:"RATE_LIMIT_CAP"`
	InactivityTimeout Duration `yaml:"inactivityTimeout" env:"INACTIVITY_TIMEOUT"`

	DiagnosticsInterval Duration `yaml:"diagnosticsInterval" env:"DIAGNOSTICS_INTERVAL"`

	AcceptPerSecond float64 `yaml:"acceptPerSecond" env:"ACCEPT_PER_SECOND"`
	AcceptBurst     int     `yaml:"acceptBurst" env:"ACCEPT_BURST"`

	// DatabasePath enables the sqlite visit log when set.
	DatabasePath string `yaml:"databasePath" env:"DATABASE_PATH"`
	// RedisAddress enables the presence feed when set.
	RedisAddress string `yaml:"redisAddress" env:"REDIS_ADDRESS"`
	// JournalDirectory enables the movement journal when set.
	JournalDirectory string `yaml:"journalDirectory" env:"JOURNAL_DIRECTORY"`
}

func Default() *Config {
	return &Config{
		Port:                8080,
		OriginPatterns:      []string{"*"},
		JoinTimeout:         Duration(5 * time.Second),
		RateLimitWindow:     Duration(60 * time.Second),
		RateLimitCap:        6,
		InactivityTimeout:   Duration(5 * time.Minute),
		DiagnosticsInterval: Duration(time.Second),
		AcceptPerSecond:     32,
		AcceptBurst:         64,
	}
}

// TestMode returns the defaults with interactive limits loosened, for
// automated clients that hammer a fresh server.
func TestMode() *Config {
	conf := Default()
	conf.TestMode = true
	conf.relax()
	return conf
}

// Process reads the provided configuration files in order on top of the
// defaults, then applies ATRIUM_* environment overrides.
func Process(configPaths []string) (*Config, error) {
	result := Default()

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, result); err != nil {
			return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(result, env.Options{Prefix: "ATRIUM_"}); err != nil {
		return nil, fmt.Errorf("could not read environment: %w", err)
	}

	if result.TestMode {
		result.relax()
	}

	return result, nil
}

func (c *Config) relax() {
	c.JoinTimeout = Duration(10 * time.Second)
	c.RateLimitCap = 1000
}
