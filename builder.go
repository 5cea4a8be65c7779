package authkernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrEthical07/authkernel/broadcast"
	"github.com/MrEthical07/authkernel/broadcast/mqtt"
	"github.com/MrEthical07/authkernel/internal/clock"
	"github.com/MrEthical07/authkernel/internal/logging"
	"github.com/MrEthical07/authkernel/storage"
	"github.com/redis/go-redis/v9"
)

// Builder assembles a Kernel with the built-in plugins.
//
// Builder instances are intended to be configured during initialization and
// then used once.
type Builder struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	refreshFn   RefreshFunc
	redis       redis.UniversalClient
	storage     storage.Adapter
	broadcaster broadcast.Broadcaster
	plugins     []Plugin

	built bool
}

// New returns a builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. cfg is copied, so later changes
// to the caller's value have no effect.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithLogger replaces the logger built from Config.Logging.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithRefreshFunc sets the function the refresh engine calls.
func (b *Builder) WithRefreshFunc(fn RefreshFunc) *Builder {
	b.refreshFn = fn
	return b
}

// WithStorage persists tokens in adapter instead of the backend named by
// Config.Storage. The caller keeps ownership of adapter.
func (b *Builder) WithStorage(adapter storage.Adapter) *Builder {
	b.storage = adapter
	return b
}

// WithRedis persists tokens in an existing Redis client under
// Config.Storage.RedisPrefix. WithStorage takes precedence. The caller keeps
// ownership of client.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithBroadcaster enables tab-sync over bc instead of the MQTT broker named by
// Config.Sync. The caller keeps ownership of bc.
func (b *Builder) WithBroadcaster(bc broadcast.Broadcaster) *Builder {
	b.broadcaster = bc
	return b
}

// WithPlugin registers p after the built-in plugins.
func (b *Builder) WithPlugin(p Plugin) *Builder {
	b.plugins = append(b.plugins, p)
	return b
}

// WithMetricsEnabled toggles the kernel's counters. Each kernel owns its
// counters; nothing is registered globally.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the refresh latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) withClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// Build validates the configuration, opens the configured storage backend and
// sync broker, registers the built-in plugins (token store, refresh engine,
// fetch interceptor, then persistence and tab-sync when configured, then
// WithPlugin plugins in order) and initialises the kernel. Resources Build
// opens are closed by Kernel.Destroy. On failure everything opened so far is
// released.
func (b *Builder) Build() (*Kernel, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
	}

	k, err := newKernel(cfg, logger, b.clock)
	if err != nil {
		return nil, err
	}

	// -------- CORE PLUGINS --------
	core := []Plugin{
		NewTokenStore(),
		NewRefreshEngine(b.refreshFn),
		NewFetchInterceptor(),
	}
	for _, p := range core {
		if err := k.registry.Register(p); err != nil {
			return nil, errors.Join(err, k.Destroy(context.Background()))
		}
	}

	ctx := context.Background()

	// -------- PERSISTENCE --------
	adapter := b.storage
	if adapter == nil && b.redis != nil {
		adapter = storage.NewRedis(b.redis, cfg.Storage.RedisPrefix)
	}
	if adapter == nil {
		adapter, err = openStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, errors.Join(err, k.Destroy(ctx))
		}
		if c, ok := adapter.(interface{ Close() error }); ok {
			k.addCloser(c)
		}
	}
	if adapter != nil {
		if err := k.registry.Register(NewPersistence(adapter, cfg.Storage.Key)); err != nil {
			return nil, errors.Join(err, k.Destroy(ctx))
		}
	}

	// -------- TAB SYNC --------
	bc := b.broadcaster
	if bc == nil && cfg.Sync.Enabled {
		mb, err := mqtt.Connect(mqtt.Config{
			Broker:         cfg.Sync.Broker,
			Topic:          cfg.Sync.Topic,
			ClientID:       cfg.Sync.ClientID,
			QoS:            cfg.Sync.QoS,
			ConnectTimeout: cfg.Sync.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("sync: %w", err), k.Destroy(ctx))
		}
		k.addCloser(mb)
		bc = mb
	}
	if bc != nil {
		if err := k.registry.Register(NewTabSync(bc)); err != nil {
			return nil, errors.Join(err, k.Destroy(ctx))
		}
	}

	// -------- USER PLUGINS --------
	for _, p := range b.plugins {
		if err := k.registry.Register(p); err != nil {
			return nil, errors.Join(err, k.Destroy(ctx))
		}
	}

	if err := k.Init(ctx); err != nil {
		return nil, errors.Join(err, k.Destroy(ctx))
	}
	return k, nil
}

func openStorage(ctx context.Context, cfg StorageConfig) (storage.Adapter, error) {
	switch cfg.Backend {
	case StorageMemory:
		return storage.NewMemory(), nil
	case StorageRedis:
		r, err := storage.OpenRedis(ctx, storage.RedisOptions{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Prefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return r, nil
	case StorageSQLite:
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath, cfg.SQLiteTable)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}
