package authkernel

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authkernel/internal/logging"
)

// Config holds every kernel setting. Use DefaultConfig as the starting point.
//
// Config values are copied into the kernel at Build time; later mutation of the
// caller's value has no effect. Use Kernel.Configure to change settings at runtime.
type Config struct {
	Refresh RefreshConfig
	Fetch   FetchConfig
	Tokens  TokenConfig
	Events  EventsConfig
	Storage StorageConfig
	Sync    SyncConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls proactive refresh scheduling and retry.
type RefreshConfig struct {
	// Threshold is how long before expiry a scheduled refresh fires.
	Threshold time.Duration
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int
	// RetryDelay is the base backoff delay; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration
	// MaxRetryDelay caps a single backoff delay. Zero means no practical cap.
	MaxRetryDelay time.Duration
	// AutoRefresh arms the refresh timer whenever tokens change.
	AutoRefresh bool
}

/*
====================================
FETCH CONFIG
====================================
*/

// FetchConfig holds the defaults applied to every interceptor the kernel creates.
type FetchConfig struct {
	HeaderName   string
	HeaderPrefix string
	Retry401     bool
	MaxRetries   int
	// Include and Exclude are URL substrings; exclusion wins.
	Include []string
	Exclude []string
}

// TokenConfig controls how token sets are interpreted.
type TokenConfig struct {
	DefaultTokenType string
	// DecodeJWTExpiry reads the access token's exp claim when the token set
	// carries no explicit expiry. Signatures are not verified.
	DecodeJWTExpiry bool
}

// EventsConfig bounds the event dispatch queue.
type EventsConfig struct {
	// MaxPending caps queued dispatch jobs. Zero means unbounded.
	MaxPending int
}

/*
====================================
STORAGE CONFIG
====================================
*/

// Storage backends accepted by StorageConfig.Backend.
const (
	StorageNone   = ""
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

// StorageConfig selects the persistence backend opened by the builder. An empty
// backend disables persistence unless an adapter is supplied with WithStorage.
type StorageConfig struct {
	Backend     string
	Key         string
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
	SQLitePath  string
	SQLiteTable string
}

// SyncConfig enables best-effort cross-process token broadcast over MQTT.
type SyncConfig struct {
	Enabled        bool
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// LoggingConfig configures the default structured logger.
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig toggles in-process counters and the refresh latency histogram.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the recommended baseline configuration.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Refresh: RefreshConfig{
			Threshold:   60 * time.Second,
			MaxRetries:  3,
			RetryDelay:  time.Second,
			AutoRefresh: true,
		},
		Fetch: FetchConfig{
			HeaderName:   "Authorization",
			HeaderPrefix: "Bearer ",
			Retry401:     true,
			MaxRetries:   1,
		},
		Tokens: TokenConfig{
			DefaultTokenType: "Bearer",
		},
		Events: EventsConfig{
			MaxPending: 1024,
		},
		Storage: StorageConfig{
			Key:         "authkernel:tokens",
			RedisPrefix: "authkernel:",
			SQLitePath:  "authkernel.db",
			SQLiteTable: "authkernel_kv",
		},
		Sync: SyncConfig{
			Topic:          "authkernel/tokens",
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Fetch.Include = cloneStrings(cfg.Fetch.Include)
	out.Fetch.Exclude = cloneStrings(cfg.Fetch.Exclude)
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Refresh.Threshold < 0 {
		return invalid("Refresh Threshold must be >= 0")
	}
	if c.Refresh.MaxRetries < 0 {
		return invalid("Refresh MaxRetries must be >= 0")
	}
	if c.Refresh.RetryDelay < 0 {
		return invalid("Refresh RetryDelay must be >= 0")
	}
	if c.Refresh.MaxRetryDelay < 0 {
		return invalid("Refresh MaxRetryDelay must be >= 0")
	}
	if c.Refresh.MaxRetryDelay > 0 && c.Refresh.MaxRetryDelay < c.Refresh.RetryDelay {
		return invalid("Refresh MaxRetryDelay must be >= RetryDelay")
	}

	if strings.TrimSpace(c.Fetch.HeaderName) == "" {
		return invalid("Fetch HeaderName is required")
	}
	if c.Fetch.MaxRetries < 0 {
		return invalid("Fetch MaxRetries must be >= 0")
	}

	if strings.TrimSpace(c.Tokens.DefaultTokenType) == "" {
		return invalid("Tokens DefaultTokenType is required")
	}

	if c.Events.MaxPending < 0 {
		return invalid("Events MaxPending must be >= 0")
	}

	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return invalid("Storage RedisAddr is required for the redis backend")
		}
		if c.Storage.RedisDB < 0 {
			return invalid("Storage RedisDB must be >= 0")
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return invalid("Storage SQLitePath is required for the sqlite backend")
		}
		if !validIdentifier(c.Storage.SQLiteTable) {
			return invalid("Storage SQLiteTable must be a plain identifier")
		}
	default:
		return invalid(fmt.Sprintf("Storage Backend %q is not supported", c.Storage.Backend))
	}
	if c.Storage.Backend != StorageNone && c.Storage.Key == "" {
		return invalid("Storage Key is required when persistence is enabled")
	}

	if c.Sync.Enabled {
		if c.Sync.Broker == "" {
			return invalid("Sync Broker is required when sync is enabled")
		}
		if c.Sync.Topic == "" {
			return invalid("Sync Topic is required when sync is enabled")
		}
		if c.Sync.QoS > 2 {
			return invalid("Sync QoS must be 0, 1 or 2")
		}
		if c.Sync.ConnectTimeout < 0 {
			return invalid("Sync ConnectTimeout must be >= 0")
		}
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return invalid(fmt.Sprintf("Logging Level %q is not supported", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid(fmt.Sprintf("Logging Format %q is not supported", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr", "discard":
	default:
		return invalid(fmt.Sprintf("Logging Output %q is not supported", c.Logging.Output))
	}

	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return invalid("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
