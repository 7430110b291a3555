package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"expectline/internal/domain"
)

// Config models expectline.yml.
type Config struct {
	Engine struct {
		MaxPassRetries int `yaml:"max_pass_retries"`
	} `yaml:"engine"`
	Expiration struct {
		SourceID   string         `yaml:"source_id"`
		SourceName string         `yaml:"source_name"`
		Interval   string         `yaml:"interval"`
		Minutes    map[string]int `yaml:"minutes"`
	} `yaml:"expiration"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Publisher struct {
		RedisURL string `yaml:"redis_url"`
		Stream   string `yaml:"stream"`
	} `yaml:"publisher"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with xl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxPassRetries < 0 {
		return fmt.Errorf("config.engine.max_pass_retries must be >= 0")
	}
	if strings.TrimSpace(c.Expiration.SourceID) == "" {
		return fmt.Errorf("config.expiration.source_id is required")
	}
	if c.Expiration.Interval != "" {
		d, err := time.ParseDuration(c.Expiration.Interval)
		if err != nil {
			return fmt.Errorf("config.expiration.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.expiration.interval must be positive")
		}
	}
	for typ, minutes := range c.Expiration.Minutes {
		if !domain.ExpectationType(typ).Technical() {
			return fmt.Errorf("expiration minutes set for non-technical type %s", typ)
		}
		if minutes <= 0 {
			return fmt.Errorf("expiration minutes for %s must be positive", typ)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q unknown", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	if c.Publisher.RedisURL != "" && c.Publisher.Stream == "" {
		return fmt.Errorf("config.publisher.stream is required when redis_url is set")
	}
	return nil
}

// ExpirationMinutes returns the sweep window for a technical type, 0 when unset.
func (c *Config) ExpirationMinutes(t domain.ExpectationType) int {
	if c == nil {
		return 0
	}
	return c.Expiration.Minutes[string(t)]
}

// SweepInterval returns the configured tick for the sweep loop.
func (c *Config) SweepInterval() time.Duration {
	if c == nil || c.Expiration.Interval == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.Expiration.Interval)
	if err != nil {
		return time.Minute
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "expectline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults template.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  max_pass_retries: 3

expiration:
  source_id: expiration-sweeper
  source_name: Expiration
  interval: 1m
  minutes:
    DETECTION: 60
    PREVENTION: 60
    VULNERABILITY: 60
    MANUAL: 1440

logging:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v1

publisher:
  redis_url: ""
  stream: expectline.scores
`
