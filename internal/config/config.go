package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrMissingDatabaseURL is returned when no database connection string is configured.
var ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")

// Config is built once at start-up and passed by value to the components that need it.
type Config struct {
	DatabaseURL string
	RedisURL    string
	ServerPort  string
	LogLevel    string

	// Playlist source fetching.
	UserAgent       string
	FetchTimeout    time.Duration
	MaxPlaylistSize int64
	BlockPrivate    bool

	Validation Validation
	Output     Output
}

// Validation holds the probe and scheduling knobs.
type Validation struct {
	Timeout         time.Duration
	ConcurrentLimit int
	RetryAttempts   int
	// RetryDelay is slept between alternate addresses when non-zero.
	RetryDelay time.Duration
	// RateLimit caps probe starts per second; 0 disables it.
	RateLimit float64
	// DailyAt ("HH:MM", local time) takes precedence over Interval when set.
	DailyAt      string
	Interval     time.Duration
	OnStart      bool
	LogRetention time.Duration
}

// Output locates the generated playlist.
type Output struct {
	Dir      string
	Filename string
}

// Path is the full path of the generated playlist file.
func (o Output) Path() string { return filepath.Join(o.Dir, o.Filename) }

// Defaults returns a Config with every optional field set.
func Defaults() Config {
	return Config{
		ServerPort:      "8080",
		LogLevel:        "info",
		UserAgent:       "Streamwarden/1.0",
		FetchTimeout:    30 * time.Second,
		MaxPlaylistSize: 10 << 20,
		Validation: Validation{
			Timeout:         30 * time.Second,
			ConcurrentLimit: 20,
			RetryAttempts:   3,
			DailyAt:         "02:00",
			Interval:        24 * time.Hour,
			LogRetention:    30 * 24 * time.Hour,
		},
		Output: Output{
			Dir:      "./static",
			Filename: "playlist.m3u",
		},
	}
}

// Load builds config from environment variables.
// If DATABASE_URL is not set, Load tries to load .env.local and .env first.
// Setting VALIDATION_INTERVAL without VALIDATION_DAILY_AT switches the
// schedule to a fixed interval.
func Load() (*Config, error) {
	if os.Getenv("DATABASE_URL") == "" {
		loadEnvFiles()
	}
	c := Defaults()
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.ServerPort = getEnvString("SERVER_PORT", c.ServerPort)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)

	c.UserAgent = getEnvString("FETCHER_USER_AGENT", c.UserAgent)
	c.FetchTimeout = getEnvDuration("FETCHER_TIMEOUT", c.FetchTimeout)
	c.MaxPlaylistSize = getEnvInt64("MAX_PLAYLIST_SIZE", c.MaxPlaylistSize)
	c.BlockPrivate = getEnvBool("SOURCE_BLOCK_PRIVATE", c.BlockPrivate)

	v := &c.Validation
	v.Timeout = getEnvDuration("VALIDATION_TIMEOUT", v.Timeout)
	v.ConcurrentLimit = getEnvInt("VALIDATION_CONCURRENT_LIMIT", v.ConcurrentLimit)
	v.RetryAttempts = getEnvInt("VALIDATION_RETRY_ATTEMPTS", v.RetryAttempts)
	v.RetryDelay = getEnvDuration("VALIDATION_RETRY_DELAY", v.RetryDelay)
	v.RateLimit = getEnvFloat("VALIDATION_RATE_LIMIT", v.RateLimit)
	v.Interval = getEnvDuration("VALIDATION_INTERVAL", v.Interval)
	if os.Getenv("VALIDATION_INTERVAL") != "" && os.Getenv("VALIDATION_DAILY_AT") == "" {
		v.DailyAt = ""
	}
	v.DailyAt = getEnvString("VALIDATION_DAILY_AT", v.DailyAt)
	v.OnStart = getEnvBool("VALIDATION_ON_START", v.OnStart)
	v.LogRetention = getEnvDuration("VALIDATION_LOG_RETENTION", v.LogRetention)

	c.Output.Dir = getEnvString("OUTPUT_DIR", c.Output.Dir)
	c.Output.Filename = getEnvString("PLAYLIST_FILENAME", c.Output.Filename)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	v := c.Validation
	if v.Timeout <= 0 {
		return fmt.Errorf("config: validation timeout must be positive, got %s", v.Timeout)
	}
	if v.ConcurrentLimit < 1 {
		return fmt.Errorf("config: validation concurrent limit must be at least 1, got %d", v.ConcurrentLimit)
	}
	if v.RetryAttempts < 1 {
		return fmt.Errorf("config: validation retry attempts must be at least 1, got %d", v.RetryAttempts)
	}
	if v.RateLimit < 0 {
		return fmt.Errorf("config: validation rate limit must not be negative, got %v", v.RateLimit)
	}
	if v.DailyAt != "" {
		if _, err := time.Parse("15:04", v.DailyAt); err != nil {
			return fmt.Errorf("config: validation daily time %q: want HH:MM", v.DailyAt)
		}
	} else if v.Interval <= 0 {
		return fmt.Errorf("config: validation interval must be positive, got %s", v.Interval)
	}
	if c.Output.Filename == "" || strings.ContainsRune(c.Output.Filename, filepath.Separator) {
		return fmt.Errorf("config: invalid playlist filename %q", c.Output.Filename)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
