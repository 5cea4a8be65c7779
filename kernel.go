package authkernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authkernel/events"
	"github.com/MrEthical07/authkernel/internal/clock"
	"github.com/MrEthical07/authkernel/internal/logging"
	"github.com/MrEthical07/authkernel/jwt"
)

// Kernel is the composition root. It owns the event bus and the plugin
// registry, and routes every façade call to the plugin currently providing the
// capability. When a capability is absent, queries return zero values and
// commands return ErrCapabilityUnavailable.
//
// Kernel instances are safe for concurrent use.
type Kernel struct {
	lifecycle sync.Mutex

	mu  sync.RWMutex
	cfg Config

	logger   *slog.Logger
	clock    clock.Clock
	metrics  *Metrics
	bus      *events.Bus
	registry *PluginRegistry

	initialized atomic.Bool
	destroyed   atomic.Bool

	closersMu sync.Mutex
	closers   []io.Closer
}

// NewKernel returns an uninitialised kernel with no plugins. Most callers use
// New().Build(), which registers the built-in plugins and calls Init.
func NewKernel(cfg Config, logger *slog.Logger) (*Kernel, error) {
	return newKernel(cfg, logger, clock.Real())
}

func newKernel(cfg Config, logger *slog.Logger, c clock.Clock) (*Kernel, error) {
	cfg = cloneConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Kernel{
		cfg:      cfg,
		logger:   logger,
		clock:    c,
		metrics:  NewMetrics(cfg.Metrics),
		bus:      events.NewBus(events.Config{MaxPending: cfg.Events.MaxPending}, logger.With("component", "events")),
		registry: NewPluginRegistry(logger.With("component", "registry")),
	}, nil
}

// Capability returns the capability of the installed plugin name, typed as T.
func Capability[T any](k *Kernel, name string) (T, bool) {
	var zero T
	if k == nil {
		return zero, false
	}
	v, ok := k.registry.API(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

func (k *Kernel) tokenStore() (TokenStoreAPI, bool) {
	return Capability[TokenStoreAPI](k, PluginTokenStore)
}

func (k *Kernel) refresher() (RefreshAPI, bool) {
	return Capability[RefreshAPI](k, PluginRefreshEngine)
}

func (k *Kernel) fetcher() (FetchAPI, bool) {
	return Capability[FetchAPI](k, PluginFetchInterceptor)
}

// Logger returns the kernel logger. Plugins derive their loggers from it.
func (k *Kernel) Logger() *slog.Logger {
	return k.logger
}

// Options returns a copy of the active configuration.
func (k *Kernel) Options() Config {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return cloneConfig(k.cfg)
}

/*
====================================
TOKENS
====================================
*/

// SetTokens stores ts. It emits login when the slot was empty and refresh
// otherwise. Any timer armed for the previous set is cancelled and, when auto
// refresh is on, re-armed for the new one.
func (k *Kernel) SetTokens(ctx context.Context, ts TokenSet) (StoredTokenSet, error) {
	if k.destroyed.Load() {
		return StoredTokenSet{}, ErrKernelDestroyed
	}
	store, ok := k.tokenStore()
	if !ok {
		return StoredTokenSet{}, ErrCapabilityUnavailable
	}

	prev, had, stored, err := store.Swap(ctx, ts)
	if err != nil {
		return StoredTokenSet{}, err
	}

	if had {
		k.emit(events.Refresh{
			PreviousExpiresAt: prev.ExpiresAt,
			NextExpiresAt:     stored.ExpiresAt,
			RefreshCount:      stored.RefreshCount,
		}, "")
	} else {
		k.emit(events.Login{TokenType: stored.TokenType, ExpiresAt: stored.ExpiresAt}, "")
	}

	if r, ok := k.refresher(); ok {
		r.CancelScheduledRefresh()
		if k.Options().Refresh.AutoRefresh {
			r.ScheduleRefresh()
		}
	}
	return stored, nil
}

// Tokens returns the stored token set.
func (k *Kernel) Tokens() (StoredTokenSet, bool) {
	return k.currentTokens()
}

// AccessToken returns the current access token or "".
func (k *Kernel) AccessToken() string {
	set, _ := k.currentTokens()
	return set.AccessToken
}

// RefreshToken returns the current refresh token or "".
func (k *Kernel) RefreshToken() string {
	set, _ := k.currentTokens()
	return set.RefreshToken
}

// ClearTokens empties the slot and cancels any pending timer without emitting
// logout.
func (k *Kernel) ClearTokens(ctx context.Context) error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	store, ok := k.tokenStore()
	if !ok {
		return ErrCapabilityUnavailable
	}
	if r, ok := k.refresher(); ok {
		r.CancelScheduledRefresh()
	}
	store.Clear(ctx)
	return nil
}

// IsAuthenticated reports whether an unexpired access token is stored.
func (k *Kernel) IsAuthenticated() bool {
	store, ok := k.tokenStore()
	if !ok {
		return false
	}
	set, ok := store.Get()
	return ok && set.AccessToken != "" && !store.IsExpired()
}

// IsExpired reports whether the stored token has reached its expiry.
func (k *Kernel) IsExpired() bool {
	store, ok := k.tokenStore()
	return ok && store.IsExpired()
}

// ExpiresAt returns the expiry instant, if known.
func (k *Kernel) ExpiresAt() (time.Time, bool) {
	return k.currentExpiry()
}

// ExpiresIn returns the time left until expiry, if known.
func (k *Kernel) ExpiresIn() (time.Duration, bool) {
	store, ok := k.tokenStore()
	if !ok {
		return 0, false
	}
	return store.ExpiresIn()
}

// Claims returns the unverified claims of the access token, or nil when the
// slot is empty or the token is not a JWT.
func (k *Kernel) Claims() jwt.Claims {
	token := k.AccessToken()
	if token == "" {
		return nil
	}
	claims, err := jwt.Decode(token)
	if err != nil {
		return nil
	}
	return claims
}

// Logout cancels the refresh timer, clears the slot and emits logout.
func (k *Kernel) Logout(ctx context.Context, reason string) error {
	return k.logout(ctx, reason, "")
}

func (k *Kernel) logout(ctx context.Context, reason, source string) error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	if r, ok := k.refresher(); ok {
		r.CancelScheduledRefresh()
	}
	if store, ok := k.tokenStore(); ok {
		store.Clear(ctx)
	}
	k.metrics.Inc(MetricLogout)
	k.emit(events.Logout{Reason: reason}, source)
	return nil
}

func (k *Kernel) currentTokens() (StoredTokenSet, bool) {
	store, ok := k.tokenStore()
	if !ok {
		return StoredTokenSet{}, false
	}
	return store.Get()
}

func (k *Kernel) currentExpiry() (time.Time, bool) {
	store, ok := k.tokenStore()
	if !ok {
		return time.Time{}, false
	}
	return store.ExpiresAt()
}

// storeRefreshed writes the result of a refresh cycle. The refresh engine
// emits its own event, so none is emitted here.
func (k *Kernel) storeRefreshed(ctx context.Context, next TokenSet) (prev, stored StoredTokenSet, err error) {
	store, ok := k.tokenStore()
	if !ok {
		return StoredTokenSet{}, StoredTokenSet{}, ErrCapabilityUnavailable
	}
	prev, _, stored, err = store.Swap(ctx, next)
	return prev, stored, err
}

// restoreTokens installs a set received from storage or a peer.
func (k *Kernel) restoreTokens(ctx context.Context, set StoredTokenSet, notify bool) error {
	store, ok := k.tokenStore()
	if !ok {
		return ErrCapabilityUnavailable
	}
	return store.Restore(ctx, set, notify)
}

/*
====================================
REFRESH
====================================
*/

// Refresh runs or joins a refresh cycle.
func (k *Kernel) Refresh(ctx context.Context) (StoredTokenSet, error) {
	if k.destroyed.Load() {
		return StoredTokenSet{}, ErrKernelDestroyed
	}
	r, ok := k.refresher()
	if !ok {
		return StoredTokenSet{}, ErrCapabilityUnavailable
	}
	return r.Refresh(ctx)
}

// ScheduleRefresh re-arms the refresh timer from the current expiry.
func (k *Kernel) ScheduleRefresh() error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	r, ok := k.refresher()
	if !ok {
		return ErrCapabilityUnavailable
	}
	r.ScheduleRefresh()
	return nil
}

// CancelScheduledRefresh stops the pending refresh timer.
func (k *Kernel) CancelScheduledRefresh() bool {
	r, ok := k.refresher()
	return ok && r.CancelScheduledRefresh()
}

// NextRefreshAt returns when the next scheduled refresh is due.
func (k *Kernel) NextRefreshAt() (time.Time, bool) {
	r, ok := k.refresher()
	if !ok {
		return time.Time{}, false
	}
	return r.NextRefreshAt()
}

// SetRefreshFunc swaps the function used by the refresh engine.
func (k *Kernel) SetRefreshFunc(fn RefreshFunc) error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	r, ok := k.refresher()
	if !ok {
		return ErrCapabilityUnavailable
	}
	r.SetRefreshFunc(fn)
	return nil
}

/*
====================================
FETCH
====================================
*/

// CreateFetch returns a client whose transport injects credentials.
func (k *Kernel) CreateFetch(opts ...FetchOption) (*http.Client, error) {
	if k.destroyed.Load() {
		return nil, ErrKernelDestroyed
	}
	f, ok := k.fetcher()
	if !ok {
		return nil, ErrCapabilityUnavailable
	}
	return f.CreateFetch(opts...), nil
}

// WrapFetch installs an intercepting transport on client (default
// http.DefaultClient).
func (k *Kernel) WrapFetch(client *http.Client, opts ...FetchOption) (*http.Client, error) {
	if k.destroyed.Load() {
		return nil, ErrKernelDestroyed
	}
	f, ok := k.fetcher()
	if !ok {
		return nil, ErrCapabilityUnavailable
	}
	return f.WrapFetch(client, opts...), nil
}

// UnwrapFetch restores client's original transport.
func (k *Kernel) UnwrapFetch(client *http.Client) bool {
	f, ok := k.fetcher()
	return ok && f.UnwrapFetch(client)
}

/*
====================================
PLUGINS
====================================
*/

// Use registers p and, once the kernel is initialised, installs it.
func (k *Kernel) Use(p Plugin) error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	if err := k.registry.Register(p); err != nil {
		return err
	}
	if k.initialized.Load() {
		if err := k.registry.Install(p.Name(), k); err != nil {
			k.metrics.Inc(MetricPluginInstallFailed)
			return err
		}
		k.metrics.Inc(MetricPluginInstalled)
	}
	return nil
}

// Unuse uninstalls and removes the named plugin.
func (k *Kernel) Unuse(name string) {
	k.registry.Uninstall(name)
}

// Plugins lists registered plugins in registration order.
func (k *Kernel) Plugins() []PluginInfo {
	return k.registry.List()
}

// HasPlugin reports whether name is registered.
func (k *Kernel) HasPlugin(name string) bool {
	return k.registry.Has(name)
}

// PluginAPI returns the capability of an installed plugin.
func (k *Kernel) PluginAPI(name string) (any, bool) {
	return k.registry.API(name)
}

/*
====================================
EVENTS
====================================
*/

// On subscribes h to events of type t.
func (k *Kernel) On(t events.Type, h events.Handler) func() {
	return k.bus.On(t, h)
}

// OnFunc subscribes fn to events of type t.
func (k *Kernel) OnFunc(t events.Type, fn func(ctx context.Context, e events.Event) error) func() {
	return k.bus.OnFunc(t, fn)
}

// Off removes h from type t.
func (k *Kernel) Off(t events.Type, h events.Handler) {
	k.bus.Off(t, h)
}

// Emit publishes e. Handlers run later on the dispatcher.
func (k *Kernel) Emit(e events.Event) error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = k.clock.Now()
	}
	k.metrics.Inc(MetricEventEmitted)
	k.bus.Emit(e)
	return nil
}

// Flush waits until every event emitted before the call has been dispatched.
func (k *Kernel) Flush(ctx context.Context) error {
	return k.bus.Flush(ctx)
}

func (k *Kernel) emit(payload events.Payload, source string) {
	if k.destroyed.Load() {
		return
	}
	k.metrics.Inc(MetricEventEmitted)
	k.bus.Emit(events.New(payload, k.clock.Now()).WithSource(source))
}

/*
====================================
LIFECYCLE
====================================
*/

// Init installs every registered plugin in registration order. A plugin that
// fails to install stays registered but not installed; the others are still
// installed and the failures are returned joined. Once installed, restored
// tokens that are already expired produce an expired event, and the refresh
// timer is armed when auto refresh is on. Init is a no-op after the first call.
func (k *Kernel) Init(ctx context.Context) error {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	if k.initialized.Load() {
		return nil
	}

	var errs []error
	for _, name := range k.registry.Names() {
		if err := k.registry.Install(name, k); err != nil {
			k.metrics.Inc(MetricPluginInstallFailed)
			errs = append(errs, err)
			continue
		}
		k.metrics.Inc(MetricPluginInstalled)
	}
	k.initialized.Store(true)

	if set, ok := k.currentTokens(); ok {
		expired := false
		if store, ok := k.tokenStore(); ok && store.IsExpired() {
			expired = true
			k.emit(events.Expired{ExpiresAt: set.ExpiresAt}, "")
		}
		if k.Options().Refresh.AutoRefresh && (!expired || set.RefreshToken != "") {
			if r, ok := k.refresher(); ok {
				r.ScheduleRefresh()
			}
		}
	}

	k.logger.InfoContext(ctx, "kernel initialised", "plugins", len(k.registry.Names()), "failed", len(errs))
	return errors.Join(errs...)
}

// Destroy uninstalls plugins in reverse registration order, cancels the
// refresh timer, drains and closes the event bus, then closes resources
// opened by the builder. Later calls on the kernel return ErrKernelDestroyed.
// Destroy is idempotent.
func (k *Kernel) Destroy(ctx context.Context) error {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	if k.destroyed.Load() {
		return nil
	}

	if r, ok := k.refresher(); ok {
		r.CancelScheduledRefresh()
	}
	names := k.registry.Names()
	slices.Reverse(names)
	for _, name := range names {
		k.registry.Uninstall(name)
	}

	k.destroyed.Store(true)
	flushErr := k.bus.Flush(ctx)
	k.bus.Close()

	k.closersMu.Lock()
	closers := k.closers
	k.closers = nil
	k.closersMu.Unlock()

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	k.logger.InfoContext(ctx, "kernel destroyed")
	return errors.Join(errs...)
}

// Destroyed reports whether Destroy has run.
func (k *Kernel) Destroyed() bool {
	return k.destroyed.Load()
}

func (k *Kernel) addCloser(c io.Closer) {
	if c == nil {
		return
	}
	k.closersMu.Lock()
	k.closers = append(k.closers, c)
	k.closersMu.Unlock()
}

// Configure applies fn to a copy of the active configuration. The copy must
// validate; it then replaces the active configuration and the refresh
// threshold and retry policy are swapped into the running engine.
func (k *Kernel) Configure(fn func(*Config)) error {
	if k.destroyed.Load() {
		return ErrKernelDestroyed
	}
	if fn == nil {
		return nil
	}

	k.mu.Lock()
	next := cloneConfig(k.cfg)
	fn(&next)
	if err := next.Validate(); err != nil {
		k.mu.Unlock()
		return err
	}
	k.cfg = next
	k.mu.Unlock()

	if engine, ok := k.refresher(); ok {
		engine.SetThreshold(next.Refresh.Threshold)
		engine.SetRetryPolicy(next.Refresh.MaxRetries, next.Refresh.RetryDelay)
		if next.Refresh.AutoRefresh {
			if _, ok := k.currentTokens(); ok {
				engine.ScheduleRefresh()
			}
		} else {
			engine.CancelScheduledRefresh()
		}
	}
	return nil
}

// MetricsSnapshot returns the kernel counters.
func (k *Kernel) MetricsSnapshot() MetricsSnapshot {
	if k == nil || k.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return k.metrics.Snapshot()
}

// EventsDropped returns how many events were dropped by the bounded queue.
func (k *Kernel) EventsDropped() uint64 {
	if k == nil || k.bus == nil {
		return 0
	}
	return k.bus.Dropped()
}
