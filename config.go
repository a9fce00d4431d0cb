package costlens

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the recognized SDK option surface.
type Config struct {
	// CollectorEndpoint is the full ingest URL batches are sent to.
	CollectorEndpoint string `yaml:"collector_endpoint"`
	// FlushInterval is the max buffer age before a flush.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxBatchSize is the max spans per flush.
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxBufferSpans is the drop-oldest ceiling.
	MaxBufferSpans int `yaml:"max_buffer_spans"`
	// Enabled is the global kill-switch; nil means enabled. Disabling
	// turns interception off entirely.
	Enabled *bool `yaml:"enabled"`
	// EndUserID is attached to spans and outbound headers when set.
	EndUserID string `yaml:"end_user_id"`
	// PricingTable optionally replaces the built-in rates with a YAML
	// table file.
	PricingTable string `yaml:"pricing_table"`
}

// DefaultConfig returns the SDK defaults; CollectorEndpoint must still be
// set by the caller.
func DefaultConfig() Config {
	return Config{
		FlushInterval:  5 * time.Second,
		MaxBatchSize:   64,
		MaxBufferSpans: 2048,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 64
	}
	if c.MaxBufferSpans <= 0 {
		c.MaxBufferSpans = 2048
	}
}

// IsEnabled resolves the kill-switch; unset means enabled.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the config for use with the default HTTP submitter.
func (c Config) Validate() error {
	endpoint := strings.TrimSpace(c.CollectorEndpoint)
	if endpoint == "" {
		return fmt.Errorf("collector_endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("collector_endpoint %q is not a valid URL: %w", endpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("collector_endpoint %q must use http or https", endpoint)
	}
	if c.MaxBufferSpans < c.MaxBatchSize {
		return fmt.Errorf("max_buffer_spans (%d) cannot be below max_batch_size (%d)", c.MaxBufferSpans, c.MaxBatchSize)
	}
	return nil
}
