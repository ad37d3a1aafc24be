package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Scan     ScanConfig              `yaml:"scan"`
	UART     UARTConfig              `yaml:"uart"`
	Workers  WorkersConfig           `yaml:"workers"`
	Breaker  BreakerConfig           `yaml:"breaker"`
	Families map[string]FamilyConfig `yaml:"families,omitempty"`
	Log      LogConfig               `yaml:"log"`
	Tracer   TracerConfig            `yaml:"tracer"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	QueueTimeout time.Duration `yaml:"queue_timeout"` // max wait for a free device worker
	RateLimit    float64       `yaml:"rate_limit"`    // requests per second; 0 disables
	Burst        int           `yaml:"burst"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// UARTConfig holds per-link settings.
type UARTConfig struct {
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	WriteRate       float64       `yaml:"write_rate"` // writes per second; 0 disables pacing
	WriteBurst      int           `yaml:"write_burst"`
	BufferSize      int           `yaml:"buffer_size"`
	MaxWrite        int           `yaml:"max_write"` // bytes per TX write
}

// WorkersConfig sizes the shared worker pool.
type WorkersConfig struct {
	Size int `yaml:"size"`
}

// BreakerConfig holds per-device circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// FamilyConfig overrides the GATT UUIDs of a built-in family. Empty fields
// keep the built-in value.
type FamilyConfig struct {
	ServiceUUID  string `yaml:"service_uuid,omitempty"`
	TxCharUUID   string `yaml:"tx_uuid,omitempty"`
	RxCharUUID   string `yaml:"rx_uuid,omitempty"`
	RxConfigUUID string `yaml:"rx_config_uuid,omitempty"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // noop or stdout
	// SampleRatio is the fraction of request traces kept; 0 or 1 keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// knownFamilies lists the family names that may be overridden.
var knownFamilies = map[string]bool{"hummingbird": true, "flutter": true}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "birdbridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:22179",
			QueueTimeout: 3 * time.Second,
			RateLimit:    50,
			Burst:        20,
		},
		Scan: ScanConfig{
			Duration: 5 * time.Second,
		},
		UART: UARTConfig{
			ResponseTimeout: 2 * time.Second,
			WriteRate:       50,
			WriteBurst:      4,
			BufferSize:      1024,
			MaxWrite:        20,
		},
		Workers: WorkersConfig{
			Size: 8,
		},
		Breaker: BreakerConfig{
			MaxFailures: 3,
			Timeout:     10 * time.Second,
			Interval:    time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log.output is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Log.Output = expandTilde(cfg.Log.Output)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# birdbridge configuration\n# Durations use Go syntax, e.g. 5s or 1m30s.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Server.QueueTimeout <= 0 {
		return fmt.Errorf("server.queue_timeout must be > 0")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.Burst <= 0 {
		return fmt.Errorf("server.burst must be > 0 when rate_limit is set")
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	if c.UART.ResponseTimeout <= 0 {
		return fmt.Errorf("uart.response_timeout must be > 0")
	}
	if c.UART.WriteRate < 0 {
		return fmt.Errorf("uart.write_rate must be >= 0")
	}
	if c.UART.BufferSize <= 0 {
		return fmt.Errorf("uart.buffer_size must be > 0")
	}
	if c.UART.MaxWrite <= 0 {
		return fmt.Errorf("uart.max_write must be > 0")
	}

	if c.Workers.Size <= 0 {
		return fmt.Errorf("workers.size must be > 0")
	}

	if c.Breaker.MaxFailures == 0 {
		return fmt.Errorf("breaker.max_failures must be > 0")
	}

	for name, fam := range c.Families {
		if !knownFamilies[name] {
			return fmt.Errorf("families: unknown family %q", name)
		}
		for field, value := range map[string]string{
			"service_uuid":   fam.ServiceUUID,
			"tx_uuid":        fam.TxCharUUID,
			"rx_uuid":        fam.RxCharUUID,
			"rx_config_uuid": fam.RxConfigUUID,
		} {
			if value == "" {
				continue
			}
			if _, err := uuid.Parse(value); err != nil {
				return fmt.Errorf("families.%s.%s: invalid UUID %q", name, field, value)
			}
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	if c.Tracer.Enabled {
		switch c.Tracer.Exporter {
		case "noop", "stdout", "":
		default:
			return fmt.Errorf("tracer.exporter must be \"noop\" or \"stdout\", got %q", c.Tracer.Exporter)
		}
	}
	if c.Tracer.SampleRatio < 0 || c.Tracer.SampleRatio > 1 {
		return fmt.Errorf("tracer.sample_ratio must be between 0 and 1, got %v", c.Tracer.SampleRatio)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
