// Package config loads the daemon configuration.
//
// Values start from Default, are replaced by a YAML file when one is given,
// and finally by LOCALCRON_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"localcron/internal/calendar"
	"localcron/internal/domain"
	"localcron/internal/schedule"
)

// JobIDPrefix marks schedules that come from the config file.
const JobIDPrefix = "cfg_"

type Config struct {
	Addr         string        `yaml:"addr"`
	DBPath       string        `yaml:"db_path"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
	// Timezone applies to jobs and schedules that do not name one. Empty
	// means the system zone.
	Timezone     string `yaml:"timezone"`
	StrictRanges bool   `yaml:"strict_ranges"`
	Debug        bool   `yaml:"debug"`
	Jobs         []Job  `yaml:"jobs"`
}

// Job is a schedule declared in the config file. It is upserted on every
// start, so edits to the file replace the stored definition.
type Job struct {
	Name        string         `yaml:"name"`
	Cron        string         `yaml:"cron"`
	Timezone    string         `yaml:"timezone"`
	Type        string         `yaml:"type"`
	Payload     map[string]any `yaml:"payload"`
	Priority    int            `yaml:"priority"`
	MaxAttempts int            `yaml:"max_attempts"`
	Enabled     *bool          `yaml:"enabled"`
}

// Schedule converts j to its stored form.
func (j Job) Schedule() (domain.Schedule, error) {
	payload := []byte("{}")
	if j.Payload != nil {
		var err error
		if payload, err = json.Marshal(j.Payload); err != nil {
			return domain.Schedule{}, fmt.Errorf("job %s: payload: %w", j.Name, err)
		}
	}
	enabled := j.Enabled == nil || *j.Enabled
	return domain.Schedule{
		ID:          JobIDPrefix + j.Name,
		Name:        j.Name,
		CronExpr:    j.Cron,
		Timezone:    j.Timezone,
		TaskType:    j.Type,
		Payload:     payload,
		Priority:    j.Priority,
		MaxAttempts: j.MaxAttempts,
		Enabled:     enabled,
	}, nil
}

func Default() *Config {
	return &Config{
		Addr:         ":8080",
		DBPath:       "localcron.db",
		Workers:      8,
		PollInterval: 250 * time.Millisecond,
		LogLevel:     "info",
	}
}

// Load reads path, or only defaults and environment when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"LOCALCRON_ADDR":      &cfg.Addr,
		"LOCALCRON_DB":        &cfg.DBPath,
		"LOCALCRON_LOG_LEVEL": &cfg.LogLevel,
		"LOCALCRON_TIMEZONE":  &cfg.Timezone,
	}
	for env, ptr := range strs {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}

	if val := os.Getenv("LOCALCRON_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("LOCALCRON_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if val := os.Getenv("LOCALCRON_POLL_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("LOCALCRON_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if val := os.Getenv("LOCALCRON_STRICT_RANGES"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("LOCALCRON_STRICT_RANGES: %w", err)
		}
		cfg.StrictRanges = b
	}
	return nil
}

// Validate reports the first problem found in cfg.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := calendar.Zone(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	parser := schedule.Parser{Strict: c.StrictRanges}
	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		switch {
		case j.Name == "":
			return fmt.Errorf("jobs[%d]: name is required", i)
		case seen[j.Name]:
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, j.Name)
		case j.Type == "":
			return fmt.Errorf("job %s: type is required", j.Name)
		}
		seen[j.Name] = true
		if _, err := parser.Parse(j.Cron); err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		if j.Timezone != "" {
			if _, err := calendar.Zone(j.Timezone); err != nil {
				return fmt.Errorf("job %s: %w", j.Name, err)
			}
		}
	}
	return nil
}

// Level returns the configured zerolog level, or info when it is invalid.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
