// Package config loads runtime settings from the environment, an optional
// .env file, an optional YAML file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/linkflow/funcrt/internal/function/provider"
	"github.com/linkflow/funcrt/internal/runner"
	"github.com/linkflow/funcrt/internal/store"
)

// Keys. Each is also read from the upper-cased environment variable of the
// same name.
const (
	KeyRedisHost      = "redis_host"
	KeyRedisPort      = "redis_port"
	KeyRedisPassword  = "redis_password"
	KeyRedisDB        = "redis_db"
	KeyInputKey       = "redis_input_key"
	KeyOutputKey      = "redis_output_key"
	KeyOutputKeyMode  = "output_key_mode"
	KeyStoreBackend   = "store_backend"
	KeyStoreDSN       = "store_dsn"
	KeyStoreTimeout   = "store_timeout"
	KeyHandlerSource  = "handler_source"
	KeyHandlerEntry   = "handler_entry"
	KeyHandlerModule  = "handler_module"
	KeyHandlerTimeout = "handler_timeout"
	KeyPollInterval   = "poll_interval"
	KeyFailureBudget  = "failure_budget"
	KeyAdminAddr      = "admin_addr"
	KeyGRPCAddr       = "grpc_addr"
	KeyOTLPEndpoint   = "otlp_endpoint"
	KeyLogLevel       = "log_level"
)

const (
	ModeStrict     = "strict"
	ModePermissive = "permissive"

	DefaultInputKey = "metrics"
	// OutputKeySuffix builds the output key in permissive mode.
	OutputKeySuffix = "-output"
)

var (
	ErrMissingOutputKey = errors.New("output key is required")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

type Config struct {
	Host          string
	Port          int
	InputKey      string
	OutputKey     string
	OutputKeyMode string

	Store store.Config

	HandlerSource  string
	HandlerEntry   string
	HandlerModule  string
	HandlerTimeout time.Duration

	PollInterval  time.Duration
	FailureBudget int

	AdminAddr    string
	GRPCAddr     string
	OTLPEndpoint string
	LogLevel     string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyRedisHost, "localhost")
	v.SetDefault(KeyRedisPort, 6379)
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyInputKey, DefaultInputKey)
	v.SetDefault(KeyOutputKeyMode, ModeStrict)
	v.SetDefault(KeyStoreBackend, store.BackendRedis)
	v.SetDefault(KeyStoreTimeout, store.DefaultTimeout.String())
	v.SetDefault(KeyHandlerSource, provider.DefaultSource)
	v.SetDefault(KeyHandlerEntry, provider.DefaultEntry)
	v.SetDefault(KeyHandlerModule, provider.DefaultModule)
	v.SetDefault(KeyHandlerTimeout, provider.DefaultScriptTimeout.String())
	v.SetDefault(KeyPollInterval, runner.DefaultInterval.String())
	v.SetDefault(KeyFailureBudget, runner.DefaultFailureBudget)
	v.SetDefault(KeyLogLevel, "info")
}

// NewViper returns a viper instance with defaults set and environment
// lookup enabled. INTERVAL is accepted as an alias of POLL_INTERVAL.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	_ = v.BindEnv(KeyPollInterval, "POLL_INTERVAL", "INTERVAL")
	return v
}

// LoadDotEnv loads the given .env files into the process environment. A
// missing file is not an error; variables already set are kept.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	storeTimeout, err := duration(v, KeyStoreTimeout)
	if err != nil {
		return nil, err
	}
	handlerTimeout, err := duration(v, KeyHandlerTimeout)
	if err != nil {
		return nil, err
	}
	interval, err := duration(v, KeyPollInterval)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:          v.GetString(KeyRedisHost),
		Port:          v.GetInt(KeyRedisPort),
		InputKey:      v.GetString(KeyInputKey),
		OutputKey:     v.GetString(KeyOutputKey),
		OutputKeyMode: strings.ToLower(v.GetString(KeyOutputKeyMode)),
		Store: store.Config{
			Backend:  strings.ToLower(v.GetString(KeyStoreBackend)),
			Host:     v.GetString(KeyRedisHost),
			Port:     v.GetInt(KeyRedisPort),
			DSN:      v.GetString(KeyStoreDSN),
			Password: v.GetString(KeyRedisPassword),
			DB:       v.GetInt(KeyRedisDB),
			Timeout:  storeTimeout,
		},
		HandlerSource:  v.GetString(KeyHandlerSource),
		HandlerEntry:   v.GetString(KeyHandlerEntry),
		HandlerModule:  v.GetString(KeyHandlerModule),
		HandlerTimeout: handlerTimeout,
		PollInterval:   interval,
		FailureBudget:  v.GetInt(KeyFailureBudget),
		AdminAddr:      v.GetString(KeyAdminAddr),
		GRPCAddr:       v.GetString(KeyGRPCAddr),
		OTLPEndpoint:   v.GetString(KeyOTLPEndpoint),
		LogLevel:       v.GetString(KeyLogLevel),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills the permissive-mode output
// key.
func (c *Config) Validate() error {
	if c.InputKey == "" {
		return fmt.Errorf("%w: input key is empty", ErrInvalidConfig)
	}

	switch c.OutputKeyMode {
	case ModeStrict, "":
		if c.OutputKey == "" {
			return fmt.Errorf("%w: set REDIS_OUTPUT_KEY or use %s mode", ErrMissingOutputKey, ModePermissive)
		}
	case ModePermissive:
		if c.OutputKey == "" {
			c.OutputKey = c.InputKey + OutputKeySuffix
		}
	default:
		return fmt.Errorf("%w: unknown output key mode %q", ErrInvalidConfig, c.OutputKeyMode)
	}

	if c.OutputKey == c.InputKey {
		return fmt.Errorf("%w: input and output key are both %q", ErrInvalidConfig, c.InputKey)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: negative poll interval", ErrInvalidConfig)
	}
	if c.FailureBudget < 0 {
		return fmt.Errorf("%w: negative failure budget", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return level, nil
}

// duration reads a Go duration string. A bare number is taken as seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}
