// ABOUTME: Configuration loading and parsing for telegram-mcp-client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sebakc/telegram-mcp-client/internal/provider"
)

// Config represents the complete telegram-mcp-client configuration.
type Config struct {
	Telegram   TelegramConfig        `yaml:"telegram"`
	Backend    BackendConfig         `yaml:"backend"`
	Providers  []provider.LaunchSpec `yaml:"providers"`
	Session    SessionConfig         `yaml:"session"`
	Background BackgroundConfig      `yaml:"background"`
	Database   DatabaseConfig        `yaml:"database"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// TelegramConfig holds bot transport configuration.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowed_users"` // empty means everyone
}

// BackendConfig holds model backend configuration.
type BackendConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxSteps    int     `yaml:"max_steps"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// SessionConfig holds session store tuning.
type SessionConfig struct {
	MaxHistory int `yaml:"max_history"`

	IdleTimeout      time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`
	IdleTimeoutRaw   string        `yaml:"idle_timeout"`
	SweepIntervalRaw string        `yaml:"sweep_interval"`
}

// BackgroundConfig holds retry supervisor tuning.
type BackgroundConfig struct {
	LongRunning   []string `yaml:"long_running"` // capability names
	ArtifactDir   string   `yaml:"artifact_dir"`
	MaxAttempts   int      `yaml:"max_attempts"`
	MaxConcurrent int      `yaml:"max_concurrent"`

	GracePeriod    time.Duration `yaml:"-"`
	GracePeriodRaw string        `yaml:"grace_period"`
}

// DatabaseConfig holds the invocation audit-log location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.Model == "" {
		return fmt.Errorf("backend.model is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, spec := range c.Providers {
		if spec.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if spec.Command == "" {
			return fmt.Errorf("providers[%d].command is required", i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true
	}

	if len(c.Background.LongRunning) > 0 && c.Background.ArtifactDir == "" {
		return fmt.Errorf("background.artifact_dir is required when long_running capabilities are configured")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backend.timeout", cfg.Backend.TimeoutRaw, &cfg.Backend.Timeout},
		{"session.idle_timeout", cfg.Session.IdleTimeoutRaw, &cfg.Session.IdleTimeout},
		{"session.sweep_interval", cfg.Session.SweepIntervalRaw, &cfg.Session.SweepInterval},
		{"background.grace_period", cfg.Background.GracePeriodRaw, &cfg.Background.GracePeriod},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// AutoConnectSpecs returns the providers flagged for connection at startup.
func (c *Config) AutoConnectSpecs() []provider.LaunchSpec {
	var specs []provider.LaunchSpec
	for _, spec := range c.Providers {
		if spec.AutoConnect {
			specs = append(specs, spec)
		}
	}
	return specs
}

// FindProvider returns the launch spec with the given ID, if configured.
func (c *Config) FindProvider(id string) (provider.LaunchSpec, bool) {
	for _, spec := range c.Providers {
		if spec.ID == id {
			return spec, true
		}
	}
	return provider.LaunchSpec{}, false
}
