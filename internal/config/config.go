// Package config loads server configuration.
//
// Sources, lowest precedence first:
//   - Default()
//   - a YAML file (--config or WELFARE_CONFIG)
//   - a .env file (optional, only fills variables not already set)
//   - WELFARE_* process environment variables
//
// Command-line flags are applied by cmd/server on top of the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/welfare-engine/benefit"
	"github.com/warp/welfare-engine/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WELFARE_"

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Fiscal   FiscalConfig   `yaml:"fiscal"`
	Approval ApprovalConfig `yaml:"approval"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`

	// CatalogFile is a JSON array of sub-types seeded at startup on top
	// of the built-in catalog. Empty means built-ins only.
	CatalogFile string `yaml:"catalog_file"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is the SQLite file. ":memory:" keeps everything in RAM.
	Path string `yaml:"path"`
}

// FiscalConfig defines how dates map to quota years.
type FiscalConfig struct {
	// StartMonth is 1-12. 10 means the year runs October to September.
	StartMonth int `yaml:"start_month"`
	// YearOffset is added to the label, e.g. 543 for Buddhist-era years.
	YearOffset int `yaml:"year_offset"`
	// Timezone is an IANA name. Empty means UTC.
	Timezone string `yaml:"timezone"`
}

// ApprovalConfig bounds the retry loop around conflicting approvals.
type ApprovalConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
	// QueueSize bounds the in-process buffer in front of Redis.
	QueueSize int `yaml:"queue_size"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "welfare.db"},
		Fiscal:   FiscalConfig{StartMonth: 1},
		Approval: ApprovalConfig{MaxAttempts: 5, RetryBaseDelay: 5 * time.Millisecond},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Stream:    "welfare:claim-events",
			MaxLen:    100000,
			QueueSize: 1024,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path and envFile may be empty; a
// missing envFile is not an error, a missing path is.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from WELFARE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	num("PORT", &c.Server.Port)
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	str("DB_PATH", &c.Database.Path)
	num("FISCAL_START_MONTH", &c.Fiscal.StartMonth)
	num("FISCAL_YEAR_OFFSET", &c.Fiscal.YearOffset)
	str("FISCAL_TIMEZONE", &c.Fiscal.Timezone)
	num("MAX_ATTEMPTS", &c.Approval.MaxAttempts)
	dur("RETRY_BASE_DELAY", &c.Approval.RetryBaseDelay)
	flag("REDIS_ENABLED", &c.Redis.Enabled)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("REDIS_STREAM", &c.Redis.Stream)
	str("LOG_LEVEL", &c.Log.Level)
	flag("LOG_DEVELOPMENT", &c.Log.Development)
	str("CATALOG_FILE", &c.CatalogFile)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Fiscal.StartMonth < 1 || c.Fiscal.StartMonth > 12 {
		errs = append(errs, fmt.Errorf("fiscal.start_month must be 1-12, got %d", c.Fiscal.StartMonth))
	}
	if c.Fiscal.Timezone != "" {
		if _, err := time.LoadLocation(c.Fiscal.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("fiscal.timezone: %w", err))
		}
	}
	if c.Approval.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("approval.max_attempts must be at least 1, got %d", c.Approval.MaxAttempts))
	}
	if c.Approval.RetryBaseDelay < 0 {
		errs = append(errs, errors.New("approval.retry_base_delay must not be negative"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if _, err := logging.ParseLevel(c.Log.Level, c.Log.Development); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// FiscalCalendar converts the fiscal settings. Call Validate first.
func (c *Config) FiscalCalendar() benefit.FiscalCalendar {
	cal := benefit.FiscalCalendar{
		StartMonth: time.Month(c.Fiscal.StartMonth),
		YearOffset: c.Fiscal.YearOffset,
	}
	if c.Fiscal.Timezone != "" {
		if loc, err := time.LoadLocation(c.Fiscal.Timezone); err == nil {
			cal.Location = loc
		}
	}
	return cal
}
