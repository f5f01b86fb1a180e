// Package config loads the YAML configuration of the appointment engine.
//
// A file only needs the keys it overrides; everything else keeps the value
// from Default. The merged result is checked against the embedded CUE schema
// before use.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/continuation"
	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/service"
)

//go:embed schema.cue
var schemaSource string

// Limits mirrors service.Limits.
type Limits struct {
	MaxInstances           int `yaml:"max_instances" json:"max_instances"`
	MaxSyncInstances       int `yaml:"max_sync_instances" json:"max_sync_instances"`
	MaxStartDateOffsetDays int `yaml:"max_start_date_offset_days" json:"max_start_date_offset_days"`
}

// Continuations tunes the continuation worker.
type Continuations struct {
	// Sweep is a cron spec with an optional seconds field, e.g. "@every 1m".
	Sweep       string        `yaml:"sweep" json:"sweep"`
	Lease       time.Duration `yaml:"lease" json:"lease"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
	Poll        time.Duration `yaml:"poll" json:"poll"`
}

// Notifications paces delivery to the external synchroniser.
type Notifications struct {
	// RatePerSecond of 0 disables pacing.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// Config is the top-level configuration.
type Config struct {
	Database      string        `yaml:"database" json:"database"`
	Timezone      string        `yaml:"timezone" json:"timezone"`
	LogLevel      string        `yaml:"log_level" json:"log_level"`
	Limits        Limits        `yaml:"limits" json:"limits"`
	Continuations Continuations `yaml:"continuations" json:"continuations"`
	Notifications Notifications `yaml:"notifications" json:"notifications"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := service.DefaultLimits()
	worker := continuation.DefaultOptions()
	return &Config{
		Database: "appointments.db",
		Timezone: "Europe/London",
		LogLevel: "info",
		Limits: Limits{
			MaxInstances:           limits.MaxInstances,
			MaxSyncInstances:       limits.MaxSyncInstances,
			MaxStartDateOffsetDays: limits.MaxStartDateOffsetDays,
		},
		Continuations: Continuations{
			Sweep:       worker.Sweep,
			Lease:       worker.Lease,
			MaxAttempts: worker.MaxAttempts,
			Backoff:     worker.Backoff,
			Poll:        worker.Poll,
		},
		Notifications: Notifications{RatePerSecond: 50, Burst: 10},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against the schema and checks the
// values the schema cannot express.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	if _, err := sweepParser.Parse(c.Continuations.Sweep); err != nil {
		return fmt.Errorf("invalid config: continuations.sweep: %w", err)
	}
	return nil
}

// sweepParser accepts the specs the worker's cron instance accepts.
var sweepParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Location returns the facility time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ServiceLimits returns the request ceilings.
func (c *Config) ServiceLimits() service.Limits {
	return service.Limits{
		MaxInstances:           c.Limits.MaxInstances,
		MaxSyncInstances:       c.Limits.MaxSyncInstances,
		MaxStartDateOffsetDays: c.Limits.MaxStartDateOffsetDays,
	}
}

// WorkerOptions returns the continuation worker options.
func (c *Config) WorkerOptions() continuation.Options {
	return continuation.Options{
		Lease:       c.Continuations.Lease,
		MaxAttempts: c.Continuations.MaxAttempts,
		Backoff:     c.Continuations.Backoff,
		Poll:        c.Continuations.Poll,
		Sweep:       c.Continuations.Sweep,
	}
}
