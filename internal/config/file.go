package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	ServerPort  string `yaml:"server_port"`
	LogLevel    string `yaml:"log_level"`

	Fetcher struct {
		UserAgent       string `yaml:"user_agent"`
		Timeout         string `yaml:"timeout"`
		MaxPlaylistSize int64  `yaml:"max_playlist_size"`
		BlockPrivate    bool   `yaml:"block_private"`
	} `yaml:"fetcher"`

	Validation struct {
		Timeout         string  `yaml:"timeout"`
		ConcurrentLimit int     `yaml:"concurrent_limit"`
		RetryAttempts   int     `yaml:"retry_attempts"`
		RetryDelay      string  `yaml:"retry_delay"`
		RateLimit       float64 `yaml:"rate_limit"`
		DailyAt         *string `yaml:"daily_at"`
		Interval        string  `yaml:"interval"`
		OnStart         bool    `yaml:"on_start"`
		LogRetention    string  `yaml:"log_retention"`
	} `yaml:"validation"`

	Output struct {
		Dir      string `yaml:"dir"`
		Filename string `yaml:"filename"`
	} `yaml:"output"`
}

// LoadFromFile loads config from a YAML file. database_url is required.
// An explicit empty validation.daily_at selects the interval schedule.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c := Defaults()
	c.DatabaseURL = f.DatabaseURL
	c.RedisURL = f.RedisURL
	setString(&c.ServerPort, f.ServerPort)
	setString(&c.LogLevel, f.LogLevel)

	setString(&c.UserAgent, f.Fetcher.UserAgent)
	if err := setDuration(&c.FetchTimeout, "fetcher.timeout", f.Fetcher.Timeout); err != nil {
		return nil, err
	}
	if f.Fetcher.MaxPlaylistSize > 0 {
		c.MaxPlaylistSize = f.Fetcher.MaxPlaylistSize
	}
	c.BlockPrivate = f.Fetcher.BlockPrivate

	fv, v := f.Validation, &c.Validation
	for _, d := range []struct {
		dst  *time.Duration
		name string
		raw  string
	}{
		{&v.Timeout, "validation.timeout", fv.Timeout},
		{&v.RetryDelay, "validation.retry_delay", fv.RetryDelay},
		{&v.Interval, "validation.interval", fv.Interval},
		{&v.LogRetention, "validation.log_retention", fv.LogRetention},
	} {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return nil, err
		}
	}
	if fv.ConcurrentLimit != 0 {
		v.ConcurrentLimit = fv.ConcurrentLimit
	}
	if fv.RetryAttempts != 0 {
		v.RetryAttempts = fv.RetryAttempts
	}
	v.RateLimit = fv.RateLimit
	if fv.DailyAt != nil {
		v.DailyAt = *fv.DailyAt
	}
	v.OnStart = fv.OnStart

	setString(&c.Output.Dir, f.Output.Dir)
	setString(&c.Output.Filename, f.Output.Filename)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = d
	return nil
}
