package authkernel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of Config. Durations are Go duration
// strings ("45s", "2m"); unset fields keep their defaults.
type fileConfig struct {
	Refresh struct {
		Threshold     string `yaml:"threshold" toml:"threshold"`
		MaxRetries    *int   `yaml:"max_retries" toml:"max_retries"`
		RetryDelay    string `yaml:"retry_delay" toml:"retry_delay"`
		MaxRetryDelay string `yaml:"max_retry_delay" toml:"max_retry_delay"`
		AutoRefresh   *bool  `yaml:"auto_refresh" toml:"auto_refresh"`
	} `yaml:"refresh" toml:"refresh"`
	Fetch struct {
		HeaderName   *string  `yaml:"header_name" toml:"header_name"`
		HeaderPrefix *string  `yaml:"header_prefix" toml:"header_prefix"`
		Retry401     *bool    `yaml:"retry_401" toml:"retry_401"`
		MaxRetries   *int     `yaml:"max_retries" toml:"max_retries"`
		Include      []string `yaml:"include" toml:"include"`
		Exclude      []string `yaml:"exclude" toml:"exclude"`
	} `yaml:"fetch" toml:"fetch"`
	Tokens struct {
		DefaultTokenType string `yaml:"default_token_type" toml:"default_token_type"`
		DecodeJWTExpiry  *bool  `yaml:"decode_jwt_expiry" toml:"decode_jwt_expiry"`
	} `yaml:"tokens" toml:"tokens"`
	Events struct {
		MaxPending *int `yaml:"max_pending" toml:"max_pending"`
	} `yaml:"events" toml:"events"`
	Storage struct {
		Backend     string `yaml:"backend" toml:"backend"`
		Key         string `yaml:"key" toml:"key"`
		RedisAddr   string `yaml:"redis_addr" toml:"redis_addr"`
		RedisDB     *int   `yaml:"redis_db" toml:"redis_db"`
		RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`
		SQLitePath  string `yaml:"sqlite_path" toml:"sqlite_path"`
		SQLiteTable string `yaml:"sqlite_table" toml:"sqlite_table"`
	} `yaml:"storage" toml:"storage"`
	Sync struct {
		Enabled        *bool  `yaml:"enabled" toml:"enabled"`
		Broker         string `yaml:"broker" toml:"broker"`
		Topic          string `yaml:"topic" toml:"topic"`
		ClientID       string `yaml:"client_id" toml:"client_id"`
		QoS            *int   `yaml:"qos" toml:"qos"`
		ConnectTimeout string `yaml:"connect_timeout" toml:"connect_timeout"`
	} `yaml:"sync" toml:"sync"`
	Logging struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
		Output string `yaml:"output" toml:"output"`
	} `yaml:"logging" toml:"logging"`
	Metrics struct {
		Enabled                 *bool `yaml:"enabled" toml:"enabled"`
		EnableLatencyHistograms *bool `yaml:"enable_latency_histograms" toml:"enable_latency_histograms"`
	} `yaml:"metrics" toml:"metrics"`
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file over
// DefaultConfig, applies AUTHKERNEL_* environment overrides and validates the
// result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		return Config{}, fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := defaultConfig()
	if err := fc.apply(&cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if err := setDuration(&cfg.Refresh.Threshold, fc.Refresh.Threshold, "refresh.threshold"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Refresh.RetryDelay, fc.Refresh.RetryDelay, "refresh.retry_delay"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Refresh.MaxRetryDelay, fc.Refresh.MaxRetryDelay, "refresh.max_retry_delay"); err != nil {
		return err
	}
	setIf(&cfg.Refresh.MaxRetries, fc.Refresh.MaxRetries)
	setIf(&cfg.Refresh.AutoRefresh, fc.Refresh.AutoRefresh)

	setIf(&cfg.Fetch.HeaderName, fc.Fetch.HeaderName)
	setIf(&cfg.Fetch.HeaderPrefix, fc.Fetch.HeaderPrefix)
	setIf(&cfg.Fetch.Retry401, fc.Fetch.Retry401)
	setIf(&cfg.Fetch.MaxRetries, fc.Fetch.MaxRetries)
	if fc.Fetch.Include != nil {
		cfg.Fetch.Include = cloneStrings(fc.Fetch.Include)
	}
	if fc.Fetch.Exclude != nil {
		cfg.Fetch.Exclude = cloneStrings(fc.Fetch.Exclude)
	}

	setString(&cfg.Tokens.DefaultTokenType, fc.Tokens.DefaultTokenType)
	setIf(&cfg.Tokens.DecodeJWTExpiry, fc.Tokens.DecodeJWTExpiry)

	setIf(&cfg.Events.MaxPending, fc.Events.MaxPending)

	setString(&cfg.Storage.Backend, fc.Storage.Backend)
	setString(&cfg.Storage.Key, fc.Storage.Key)
	setString(&cfg.Storage.RedisAddr, fc.Storage.RedisAddr)
	setIf(&cfg.Storage.RedisDB, fc.Storage.RedisDB)
	setString(&cfg.Storage.RedisPrefix, fc.Storage.RedisPrefix)
	setString(&cfg.Storage.SQLitePath, fc.Storage.SQLitePath)
	setString(&cfg.Storage.SQLiteTable, fc.Storage.SQLiteTable)

	setIf(&cfg.Sync.Enabled, fc.Sync.Enabled)
	setString(&cfg.Sync.Broker, fc.Sync.Broker)
	setString(&cfg.Sync.Topic, fc.Sync.Topic)
	setString(&cfg.Sync.ClientID, fc.Sync.ClientID)
	if fc.Sync.QoS != nil {
		if *fc.Sync.QoS < 0 || *fc.Sync.QoS > 2 {
			return fmt.Errorf("%w: sync.qos must be 0, 1 or 2", ErrInvalidConfig)
		}
		cfg.Sync.QoS = byte(*fc.Sync.QoS)
	}
	if err := setDuration(&cfg.Sync.ConnectTimeout, fc.Sync.ConnectTimeout, "sync.connect_timeout"); err != nil {
		return err
	}

	setString(&cfg.Logging.Level, fc.Logging.Level)
	setString(&cfg.Logging.Format, fc.Logging.Format)
	setString(&cfg.Logging.Output, fc.Logging.Output)

	setIf(&cfg.Metrics.Enabled, fc.Metrics.Enabled)
	setIf(&cfg.Metrics.EnableLatencyHistograms, fc.Metrics.EnableLatencyHistograms)
	return nil
}

// applyEnvOverrides applies environment variable overrides following the
// pattern AUTHKERNEL_SECTION_KEY.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("AUTHKERNEL_REFRESH_THRESHOLD"); ok && v != "" {
		if err := setDuration(&cfg.Refresh.Threshold, v, "AUTHKERNEL_REFRESH_THRESHOLD"); err != nil {
			return err
		}
	}
	if v, ok := lookup("AUTHKERNEL_REFRESH_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: AUTHKERNEL_REFRESH_MAX_RETRIES: %v", ErrInvalidConfig, err)
		}
		cfg.Refresh.MaxRetries = n
	}
	if v, ok := lookup("AUTHKERNEL_REFRESH_RETRY_DELAY"); ok && v != "" {
		if err := setDuration(&cfg.Refresh.RetryDelay, v, "AUTHKERNEL_REFRESH_RETRY_DELAY"); err != nil {
			return err
		}
	}

	// Storage
	if v, ok := lookup("AUTHKERNEL_STORAGE_BACKEND"); ok && v != "" {
		cfg.Storage.Backend = v
	}
	if v, ok := lookup("AUTHKERNEL_STORAGE_REDIS_ADDR"); ok && v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v, ok := lookup("AUTHKERNEL_STORAGE_SQLITE_PATH"); ok && v != "" {
		cfg.Storage.SQLitePath = v
	}

	// Sync
	if v, ok := lookup("AUTHKERNEL_SYNC_BROKER"); ok && v != "" {
		cfg.Sync.Broker = v
		cfg.Sync.Enabled = true
	}

	// Logging
	if v, ok := lookup("AUTHKERNEL_LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("AUTHKERNEL_LOG_FORMAT"); ok && v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	*dst = d
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
