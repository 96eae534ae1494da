// Package config provides the unified configuration system for Conflux.
// A single Config structure covers the pipeline, cache, persistence and
// logging concerns plus the list of data sources to poll, so every
// component reads from the same validated document.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for the shared ingest buffer.
const (
	// OverflowDropNewest discards the incoming record when the buffer is full.
	OverflowDropNewest = "drop-newest"
	// OverflowDropOldest evicts the oldest buffered record to make room.
	OverflowDropOldest = "drop-oldest"
)

// Config is the root configuration document.
type Config struct {
	// Pipeline controls the shared buffer and worker lifecycles
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Cache controls the per (domain, source) recent-record store
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Persistence controls the JSON-lines sink
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`

	// Logging configures the zap logger
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Sources lists the data sources to register at startup
	Sources []SourceConfig `yaml:"sources" json:"sources"`
}

// PipelineConfig contains buffer and lifecycle settings.
type PipelineConfig struct {
	// BufferSize bounds the shared ingest buffer
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// OverflowPolicy selects what happens on a full buffer
	OverflowPolicy string `yaml:"overflow_policy" json:"overflow_policy"`
	// StopTimeout bounds how long Stop waits for a loop to join
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
	// DequeueWait bounds each worker dequeue so stop requests are
	// observed promptly
	DequeueWait time.Duration `yaml:"dequeue_wait" json:"dequeue_wait"`
}

// CacheConfig contains recent-record cache settings.
type CacheConfig struct {
	// MaxPerKey bounds the record list kept per (domain, source)
	MaxPerKey int `yaml:"max_per_key" json:"max_per_key"`
}

// PersistenceConfig contains durable sink settings.
type PersistenceConfig struct {
	// Dir is the directory holding the date-partitioned JSON-lines files
	Dir string `yaml:"dir" json:"dir"`
	// Compression selects the file compression ("" or "gzip")
	Compression string `yaml:"compression" json:"compression"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// SourceConfig describes one data source instance.
type SourceConfig struct {
	// Name uniquely identifies the source
	Name string `yaml:"name" json:"name"`
	// Domain is the logical data category (weather, economic, ...)
	Domain string `yaml:"domain" json:"domain"`
	// Type selects the source implementation (api, csv, sql)
	Type string `yaml:"type" json:"type"`
	// Interval is the polling cadence
	Interval time.Duration `yaml:"interval" json:"interval"`
	// RequestTimeout bounds a single fetch
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RateLimitPerSec limits fetches per second for API sources (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// Settings holds implementation-specific options (url, path, dsn, ...)
	Settings map[string]string `yaml:"settings" json:"settings"`
}

// UnmarshalYAML decodes the pipeline section, accepting "5s"-style
// duration strings and leaving absent fields at their defaults.
func (p *PipelineConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BufferSize     *int    `yaml:"buffer_size"`
		OverflowPolicy *string `yaml:"overflow_policy"`
		StopTimeout    *string `yaml:"stop_timeout"`
		DequeueWait    *string `yaml:"dequeue_wait"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.BufferSize != nil {
		p.BufferSize = *raw.BufferSize
	}
	if raw.OverflowPolicy != nil {
		p.OverflowPolicy = *raw.OverflowPolicy
	}
	if raw.StopTimeout != nil {
		d, err := time.ParseDuration(*raw.StopTimeout)
		if err != nil {
			return fmt.Errorf("pipeline.stop_timeout: %w", err)
		}
		p.StopTimeout = d
	}
	if raw.DequeueWait != nil {
		d, err := time.ParseDuration(*raw.DequeueWait)
		if err != nil {
			return fmt.Errorf("pipeline.dequeue_wait: %w", err)
		}
		p.DequeueWait = d
	}
	return nil
}

// UnmarshalYAML decodes a source entry, accepting duration strings for
// the interval and request timeout.
func (s *SourceConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name            string            `yaml:"name"`
		Domain          string            `yaml:"domain"`
		Type            string            `yaml:"type"`
		Interval        string            `yaml:"interval"`
		RequestTimeout  string            `yaml:"request_timeout"`
		RateLimitPerSec int               `yaml:"rate_limit_per_sec"`
		Settings        map[string]string `yaml:"settings"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.Domain = raw.Domain
	s.Type = raw.Type
	s.RateLimitPerSec = raw.RateLimitPerSec
	s.Settings = raw.Settings

	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("source %q: interval: %w", raw.Name, err)
		}
		s.Interval = d
	}
	if raw.RequestTimeout != "" {
		d, err := time.ParseDuration(raw.RequestTimeout)
		if err != nil {
			return fmt.Errorf("source %q: request_timeout: %w", raw.Name, err)
		}
		s.RequestTimeout = d
	}
	return nil
}

// MarshalYAML renders durations as strings so saved configs reload.
func (p PipelineConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"buffer_size":     p.BufferSize,
		"overflow_policy": p.OverflowPolicy,
		"stop_timeout":    p.StopTimeout.String(),
		"dequeue_wait":    p.DequeueWait.String(),
	}, nil
}

// MarshalYAML renders durations as strings so saved configs reload.
func (s SourceConfig) MarshalYAML() (interface{}, error) {
	out := map[string]interface{}{
		"name":     s.Name,
		"domain":   s.Domain,
		"type":     s.Type,
		"interval": s.Interval.String(),
	}
	if s.RequestTimeout > 0 {
		out["request_timeout"] = s.RequestTimeout.String()
	}
	if s.RateLimitPerSec > 0 {
		out["rate_limit_per_sec"] = s.RateLimitPerSec
	}
	if len(s.Settings) > 0 {
		out["settings"] = s.Settings
	}
	return out, nil
}

// Setting returns a settings value with a fallback default.
func (s *SourceConfig) Setting(key, def string) string {
	if v, ok := s.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// New returns a Config populated with production defaults.
func New() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			BufferSize:     10000,
			OverflowPolicy: OverflowDropNewest,
			StopTimeout:    5 * time.Second,
			DequeueWait:    250 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxPerKey: 100,
		},
		Persistence: PersistenceConfig{
			Dir: "data",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("pipeline.buffer_size must be positive")
	}
	switch c.Pipeline.OverflowPolicy {
	case OverflowDropNewest, OverflowDropOldest:
	default:
		return fmt.Errorf("pipeline.overflow_policy must be %q or %q", OverflowDropNewest, OverflowDropOldest)
	}
	if c.Pipeline.StopTimeout <= 0 {
		return fmt.Errorf("pipeline.stop_timeout must be positive")
	}
	if c.Pipeline.DequeueWait <= 0 {
		return fmt.Errorf("pipeline.dequeue_wait must be positive")
	}
	if c.Cache.MaxPerKey <= 0 {
		return fmt.Errorf("cache.max_per_key must be positive")
	}
	if c.Persistence.Dir == "" {
		return fmt.Errorf("persistence.dir is required")
	}
	switch c.Persistence.Compression {
	case "", "gzip":
	default:
		return fmt.Errorf("persistence.compression must be empty or \"gzip\"")
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		if src.Domain == "" {
			return fmt.Errorf("source %q: domain is required", src.Name)
		}
		if src.Type == "" {
			return fmt.Errorf("source %q: type is required", src.Name)
		}
		if src.Interval <= 0 {
			return fmt.Errorf("source %q: interval must be positive", src.Name)
		}
	}
	return nil
}
