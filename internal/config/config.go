// Package config loads the YAML application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes a single remote calendar source.
type SourceConfig struct {
	// ID identifies the source in logs and sync metadata.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Type is "ics" or "rest".
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
	// CalendarID keys the stored events; defaults to ID.
	CalendarID string `yaml:"calendar_id"`
}

// SyncConfig controls the sync window and scheduling.
type SyncConfig struct {
	// Cron is a cron-style schedule for automatic syncs; empty disables them.
	Cron             string `yaml:"cron"`
	PastDays         int    `yaml:"past_days"`
	FutureDays       int    `yaml:"future_days"`
	StaleLockMinutes int    `yaml:"stale_lock_minutes"`
}

// ClassifyConfig tunes the reclassification batches.
type ClassifyConfig struct {
	// RequiredFields is the derived-field set that makes an event complete.
	RequiredFields []string `yaml:"required_fields"`
	PageSize       int      `yaml:"page_size"`
}

// JobsConfig controls job retention.
type JobsConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen    string         `yaml:"listen"`
	DBPath    string         `yaml:"db_path"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Sync      SyncConfig     `yaml:"sync"`
	Sources   []SourceConfig `yaml:"sources"`
	Classify  ClassifyConfig `yaml:"classify"`
	Jobs      JobsConfig     `yaml:"jobs"`
}

// Default returns the built-in configuration, used when no config file exists.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		DBPath:    "citasync.db",
		LogLevel:  "info",
		LogFormat: "text",
		Sync: SyncConfig{
			PastDays:         30,
			FutureDays:       60,
			StaleLockMinutes: 15,
		},
		Classify: ClassifyConfig{
			RequiredFields: []string{"category"},
			PageSize:       100,
		},
		Jobs: JobsConfig{TTLMinutes: 30},
	}
}

// Normalize fills zero values with defaults so partial configs behave.
func (c *Config) Normalize() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Sync.PastDays <= 0 {
		c.Sync.PastDays = d.Sync.PastDays
	}
	if c.Sync.FutureDays <= 0 {
		c.Sync.FutureDays = d.Sync.FutureDays
	}
	if c.Sync.StaleLockMinutes <= 0 {
		c.Sync.StaleLockMinutes = d.Sync.StaleLockMinutes
	}
	if len(c.Classify.RequiredFields) == 0 {
		c.Classify.RequiredFields = d.Classify.RequiredFields
	}
	if c.Classify.PageSize <= 0 {
		c.Classify.PageSize = d.Classify.PageSize
	}
	if c.Jobs.TTLMinutes <= 0 {
		c.Jobs.TTLMinutes = d.Jobs.TTLMinutes
	}
	for i := range c.Sources {
		if c.Sources[i].CalendarID == "" {
			c.Sources[i].CalendarID = c.Sources[i].ID
		}
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = c.Sources[i].ID
		}
	}
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source %d: id is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required", s.ID)
		}
		switch s.Type {
		case "ics", "rest":
		default:
			return fmt.Errorf("source %q: unknown type %q", s.ID, s.Type)
		}
	}
	for _, f := range c.Classify.RequiredFields {
		switch f {
		case "category", "treatment_stage", "dosage", "amount_expected", "amount_paid", "attended", "control_included":
		default:
			return fmt.Errorf("classify: unknown required field %q", f)
		}
	}
	return nil
}

// StaleLock returns the stale-lock threshold as a duration.
func (c *Config) StaleLock() time.Duration {
	return time.Duration(c.Sync.StaleLockMinutes) * time.Minute
}

// JobTTL returns the job retention period as a duration.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Jobs.TTLMinutes) * time.Minute
}

// Load reads the YAML config at path. A missing file yields the defaults;
// a present but malformed or invalid file is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
