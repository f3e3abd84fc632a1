// Package config provides configuration structures and loading logic for the governor daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-governor/internal/governance"
	"github.com/polisai/polis-governor/pkg/domain"
	"github.com/polisai/polis-governor/pkg/scheduler"
)

const (
	defaultAdminAddress    = ":19090"
	defaultShutdownTimeout = 10 * time.Second
	defaultServiceName     = "polis-governor"
)

// Config holds the global configuration for the governor daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Governor  GovernorConfig  `yaml:"governor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Control   ControlConfig   `yaml:"control"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	SampleRatio  float64           `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// GovernorConfig holds the per-resource quotas.
type GovernorConfig struct {
	RefillInterval time.Duration                  `yaml:"refill_interval"`
	Resources      map[string]domain.BucketConfig `yaml:"resources"`
}

// SchedulerConfig selects and configures the priority scheduler. When
// PolicyFile is set, priorities come from the Rego policy in that file.
type SchedulerConfig struct {
	scheduler.Config `yaml:",inline"`
	PolicyFile       string `yaml:"policy_file"`
	Query            string `yaml:"query"`
}

// ControlConfig holds the initial control signals and the optional control
// file that updates them at runtime.
type ControlConfig struct {
	File   string `yaml:"file"`
	Paused bool   `yaml:"paused"`
	Focus  string `yaml:"focus"`
}

// Default returns a configuration with every default applied and no resources.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    defaultAdminAddress,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
		},
		Governor: GovernorConfig{
			RefillInterval: governance.DefaultRefillInterval,
		},
		Scheduler: SchedulerConfig{
			Config: scheduler.DefaultConfig(),
		},
	}
}

// Load reads configuration from a file, expands ${VAR} references, applies
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_GOVERNOR_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("POLIS_GOVERNOR_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_GOVERNOR_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_GOVERNOR_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_GOVERNOR_POLICY_FILE"); val != "" {
		cfg.Scheduler.PolicyFile = val
	}
	if val := os.Getenv("POLIS_GOVERNOR_CONTROL_FILE"); val != "" {
		cfg.Control.File = val
	}
	if val := os.Getenv("POLIS_GOVERNOR_FOCUS"); val != "" {
		cfg.Control.Focus = val
	}
	if val := os.Getenv("POLIS_GOVERNOR_PAUSED"); val != "" {
		paused, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("POLIS_GOVERNOR_PAUSED: %w", err)
		}
		cfg.Control.Paused = paused
	}
	return nil
}

// Validate performs validation of the entire configuration. Every section is
// checked and all problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server configuration: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging configuration: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry configuration: %w", err))
	}
	if err := c.Governor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("governor configuration: %w", err))
	}
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler configuration: %w", err))
	}
	return errors.Join(errs...)
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = defaultAdminAddress
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("%w: telemetry sample_ratio %v must be within [0, 1]", domain.ErrConfigInvalid, c.SampleRatio)
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate checks every resource quota.
func (c *GovernorConfig) Validate() error {
	if c.RefillInterval <= 0 {
		c.RefillInterval = governance.DefaultRefillInterval
	}

	names := make([]string, 0, len(c.Resources))
	for name := range c.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%w: empty resource identifier", domain.ErrConfigInvalid))
			continue
		}
		if err := c.Resources[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("resource %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the priority range and that the policy file is readable.
func (c *SchedulerConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.PolicyFile != "" {
		if _, err := os.Stat(c.PolicyFile); err != nil {
			return fmt.Errorf("policy_file: %w", err)
		}
	}
	return nil
}

// LoadPolicy returns the Rego source named by PolicyFile, or "" when no
// policy is configured.
func (c *SchedulerConfig) LoadPolicy() (string, error) {
	if c.PolicyFile == "" {
		return "", nil
	}
	//nolint:gosec // Policy path is controlled by admin/operator
	data, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read policy file %s: %w", c.PolicyFile, err)
	}
	return string(data), nil
}
