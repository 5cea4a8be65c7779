package authkernel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/authkernel/events"
	"github.com/MrEthical07/authkernel/internal/clock"
	"github.com/MrEthical07/authkernel/internal/retry"
	"github.com/MrEthical07/authkernel/internal/schedule"
)

const refreshFlightKey = "refresh"

// RefreshEngine is the built-in refresh-engine plugin.
//
// Refresh is single-flight: while a cycle is running, further callers join it
// and receive its result. A cycle runs detached from the caller's context and
// always completes. On success the engine stores the new tokens through the
// kernel, emits a refresh event and re-arms the timer. When a cycle fails for
// good (missing refresh token or function, retries exhausted), the timer is
// armed for the token's expiry instead and emits expired when it fires.
type RefreshEngine struct {
	kernel  *Kernel
	clock   clock.Clock
	slot    *schedule.Slot
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	fn        RefreshFunc
	threshold time.Duration
	policy    retry.Policy

	group      singleflight.Group
	refreshing atomic.Bool
	waiting    atomic.Int64
}

// NewRefreshEngine returns an engine that calls fn. fn may be nil and set later
// with SetRefreshFunc.
func NewRefreshEngine(fn RefreshFunc) *RefreshEngine {
	return &RefreshEngine{fn: fn}
}

func (e *RefreshEngine) Name() string    { return PluginRefreshEngine }
func (e *RefreshEngine) Version() string { return Version }
func (e *RefreshEngine) Kind() Kind      { return KindRefresh }

// Install binds the engine to k's clock, logger and refresh settings.
func (e *RefreshEngine) Install(k *Kernel) (any, error) {
	cfg := k.Options().Refresh

	e.kernel = k
	e.clock = k.clock
	e.slot = schedule.New(k.clock)
	e.logger = k.logger.With("plugin", PluginRefreshEngine)
	e.metrics = k.metrics

	e.mu.Lock()
	e.threshold = cfg.Threshold
	e.policy = retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		MaxDelay:   cfg.MaxRetryDelay,
	}
	e.mu.Unlock()
	return e, nil
}

// Uninstall cancels the pending timer. An in-flight cycle still completes.
func (e *RefreshEngine) Uninstall() error {
	if e.slot != nil {
		e.slot.Cancel()
	}
	return nil
}

// Refresh runs a refresh cycle or joins the one in flight. ctx bounds only how
// long this caller waits.
func (e *RefreshEngine) Refresh(ctx context.Context) (StoredTokenSet, error) {
	if e.kernel == nil {
		return StoredTokenSet{}, ErrCapabilityUnavailable
	}

	detached := context.WithoutCancel(ctx)
	ch := e.group.DoChan(refreshFlightKey, func() (any, error) {
		return e.run(detached)
	})
	e.waiting.Add(1)
	defer e.waiting.Add(-1)

	select {
	case res := <-ch:
		if res.Shared {
			e.metrics.Inc(MetricRefreshJoined)
		}
		if res.Err != nil {
			return StoredTokenSet{}, res.Err
		}
		return res.Val.(StoredTokenSet), nil
	case <-ctx.Done():
		return StoredTokenSet{}, ctx.Err()
	}
}

func (e *RefreshEngine) run(ctx context.Context) (StoredTokenSet, error) {
	e.refreshing.Store(true)
	defer e.refreshing.Store(false)

	start := e.clock.Now()
	defer func() {
		e.metrics.Observe(MetricRefreshLatency, e.clock.Now().Sub(start))
	}()

	k := e.kernel
	current, ok := k.currentTokens()
	if !ok || current.RefreshToken == "" {
		e.fail(ErrRefreshTokenMissing)
		return StoredTokenSet{}, ErrRefreshTokenMissing
	}

	e.mu.RLock()
	fn := e.fn
	policy := e.policy
	e.mu.RUnlock()
	if fn == nil {
		e.fail(ErrRefreshFuncMissing)
		return StoredTokenSet{}, ErrRefreshFuncMissing
	}

	refreshToken := current.RefreshToken
	next, attempts, err := retry.Do(policy, retry.ClockTimer(e.clock), func(attempt int) (TokenSet, error) {
		e.metrics.Inc(MetricRefreshAttempt)
		return callRefresh(ctx, fn, refreshToken)
	}, func(attempt int, err error, delay time.Duration) {
		e.metrics.Inc(MetricRefreshRetry)
		e.logger.Warn("token refresh attempt failed",
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err,
		)
	})
	if err != nil {
		refreshErr := &RefreshError{Attempts: attempts, Err: err}
		e.fail(refreshErr)
		return StoredTokenSet{}, refreshErr
	}

	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	prev, stored, err := k.storeRefreshed(ctx, next)
	if err != nil {
		refreshErr := &RefreshError{Attempts: attempts, Err: err}
		e.fail(refreshErr)
		return StoredTokenSet{}, refreshErr
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.logger.Debug("token refreshed",
		"attempts", attempts,
		"refresh_count", stored.RefreshCount,
		"expires_at", stored.ExpiresAt,
	)
	k.emit(events.Refresh{
		PreviousExpiresAt: prev.ExpiresAt,
		NextExpiresAt:     stored.ExpiresAt,
		RefreshCount:      stored.RefreshCount,
	}, "")
	e.ScheduleRefresh()
	return stored, nil
}

func callRefresh(ctx context.Context, fn RefreshFunc, refreshToken string) (ts TokenSet, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = retry.Permanent(errors.New("refresh function panicked"))
		}
	}()
	ts, err = fn(ctx, refreshToken)
	if err == nil && ts.AccessToken == "" {
		return TokenSet{}, retry.Permanent(ErrInvalidTokenSet)
	}
	return ts, err
}

func (e *RefreshEngine) fail(err error) {
	e.metrics.Inc(MetricRefreshFailure)
	e.logger.Warn("token refresh failed", "error", err)
	e.kernel.emit(events.Error{Op: "refresh", Err: err}, "")
	e.watchExpiry()
}

// watchExpiry arms the timer slot to emit expired at the token's expiry. The
// event is dropped if the slot holds a different set by then.
func (e *RefreshEngine) watchExpiry() {
	exp, ok := e.kernel.currentExpiry()
	if !ok {
		return
	}
	until := exp.Sub(e.clock.Now())
	if until <= 0 {
		e.slot.Cancel()
		e.kernel.emit(events.Expired{ExpiresAt: exp}, "")
		return
	}
	e.slot.Arm(until, func() {
		if cur, ok := e.kernel.currentExpiry(); !ok || !cur.Equal(exp) {
			return
		}
		e.kernel.emit(events.Expired{ExpiresAt: exp}, "")
	})
}

// ScheduleRefresh replaces the pending timer with one that fires Threshold
// before expiry. Without a known expiry nothing is armed; when that instant
// has already passed a refresh starts immediately in the background.
func (e *RefreshEngine) ScheduleRefresh() {
	if e.slot == nil || e.kernel.Destroyed() {
		return
	}
	e.slot.Cancel()

	exp, ok := e.kernel.currentExpiry()
	if !ok {
		return
	}
	target := exp.Sub(e.clock.Now()) - e.Threshold()
	if target <= 0 {
		go e.backgroundRefresh()
		return
	}
	e.metrics.Inc(MetricRefreshScheduled)
	e.slot.Arm(target, e.backgroundRefresh)
}

func (e *RefreshEngine) backgroundRefresh() {
	if _, err := e.Refresh(context.Background()); err != nil {
		e.logger.Debug("scheduled token refresh failed", "error", err)
	}
}

// CancelScheduledRefresh stops the pending timer. It reports whether one was pending.
func (e *RefreshEngine) CancelScheduledRefresh() bool {
	if e.slot == nil {
		return false
	}
	return e.slot.Cancel()
}

// NextRefreshAt returns expiry minus threshold, when an expiry is known.
func (e *RefreshEngine) NextRefreshAt() (time.Time, bool) {
	if e.kernel == nil {
		return time.Time{}, false
	}
	exp, ok := e.kernel.currentExpiry()
	if !ok {
		return time.Time{}, false
	}
	return exp.Add(-e.Threshold()), true
}

// SetRefreshFunc swaps the refresh function. A cycle already running keeps the old one.
func (e *RefreshEngine) SetRefreshFunc(fn RefreshFunc) {
	e.mu.Lock()
	e.fn = fn
	e.mu.Unlock()
}

// SetThreshold swaps the scheduling threshold. It applies from the next ScheduleRefresh.
func (e *RefreshEngine) SetThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	e.threshold = d
	e.mu.Unlock()
}

// SetRetryPolicy swaps the retry budget and base delay for later cycles.
func (e *RefreshEngine) SetRetryPolicy(maxRetries int, retryDelay time.Duration) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	e.mu.Lock()
	e.policy.MaxRetries = maxRetries
	e.policy.BaseDelay = retryDelay
	e.mu.Unlock()
}

// Threshold returns the scheduling threshold.
func (e *RefreshEngine) Threshold() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.threshold
}

// IsRefreshing reports whether a cycle is in flight.
func (e *RefreshEngine) IsRefreshing() bool {
	return e.refreshing.Load()
}

func (e *RefreshEngine) waiters() int {
	return int(e.waiting.Load())
}

var _ RefreshAPI = (*RefreshEngine)(nil)
