package authkernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrEthical07/authkernel/events"
	"github.com/MrEthical07/authkernel/storage"
)

const persistenceRestoreTimeout = 5 * time.Second

// Persistence is the token-persistence plugin. It mirrors the token slot into
// a storage.Adapter and restores it when installed. Storage failures are
// logged and emitted as error events; they never fail a token write.
//
// Persistence must be registered after the token store.
type Persistence struct {
	adapter storage.Adapter
	key     string

	kernel *Kernel
	logger *slog.Logger
	detach func()
}

// NewPersistence stores the slot under key in adapter.
func NewPersistence(adapter storage.Adapter, key string) *Persistence {
	if key == "" {
		key = defaultConfig().Storage.Key
	}
	return &Persistence{adapter: adapter, key: key}
}

func (p *Persistence) Name() string    { return PluginPersistence }
func (p *Persistence) Version() string { return Version }
func (p *Persistence) Kind() Kind      { return KindStorage }

// Install restores a stored set (without re-saving it) and starts mirroring.
func (p *Persistence) Install(k *Kernel) (any, error) {
	if p.adapter == nil {
		return nil, fmt.Errorf("%w: nil storage adapter", ErrInvalidPlugin)
	}
	store, ok := Capability[TokenStoreAPI](k, PluginTokenStore)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires %s", ErrCapabilityUnavailable, PluginPersistence, PluginTokenStore)
	}
	p.kernel = k
	p.logger = k.logger.With("plugin", PluginPersistence)

	ctx, cancel := context.WithTimeout(context.Background(), persistenceRestoreTimeout)
	defer cancel()
	p.restore(ctx, store)

	p.detach = store.Observe(TokenStoreHooks{
		OnSet:   p.save,
		OnClear: p.remove,
	})
	return p, nil
}

// Uninstall stops mirroring. Stored data is kept.
func (p *Persistence) Uninstall() error {
	if p.detach != nil {
		p.detach()
		p.detach = nil
	}
	return nil
}

// Key returns the storage key.
func (p *Persistence) Key() string { return p.key }

func (p *Persistence) restore(ctx context.Context, store TokenStoreAPI) {
	raw, ok, err := p.adapter.Get(ctx, p.key)
	if err != nil {
		p.failed(ctx, "storage.restore", err)
		return
	}
	if !ok {
		return
	}

	var set StoredTokenSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil || set.AccessToken == "" {
		p.logger.WarnContext(ctx, "discarding unreadable stored tokens", "key", p.key, "error", err)
		if err := p.adapter.Remove(ctx, p.key); err != nil {
			p.failed(ctx, "storage.remove", err)
		}
		return
	}
	if err := store.Restore(ctx, set, false); err != nil {
		p.failed(ctx, "storage.restore", err)
		return
	}
	p.logger.DebugContext(ctx, "tokens restored from storage",
		"key", p.key,
		"refresh_count", set.RefreshCount,
		"expires_at", set.ExpiresAt,
	)
}

func (p *Persistence) save(ctx context.Context, set StoredTokenSet) {
	raw, err := json.Marshal(set)
	if err != nil {
		p.failed(ctx, "storage.save", err)
		return
	}
	if err := p.adapter.Set(ctx, p.key, string(raw)); err != nil {
		p.failed(ctx, "storage.save", err)
		return
	}
	p.kernel.emit(events.StorageChange{Key: p.key}, PluginPersistence)
}

func (p *Persistence) remove(ctx context.Context) {
	if err := p.adapter.Remove(ctx, p.key); err != nil {
		p.failed(ctx, "storage.remove", err)
		return
	}
	p.kernel.emit(events.StorageChange{Key: p.key, Removed: true}, PluginPersistence)
}

func (p *Persistence) failed(ctx context.Context, op string, err error) {
	p.logger.WarnContext(ctx, "token persistence failed", "op", op, "key", p.key, "error", err)
	p.kernel.emit(events.Error{Op: op, Err: err}, PluginPersistence)
}
