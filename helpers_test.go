package authkernel

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authkernel/events"
	"github.com/MrEthical07/authkernel/internal/clock"
	"github.com/MrEthical07/authkernel/internal/logging"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Refresh.Threshold = time.Minute
	cfg.Refresh.MaxRetries = 3
	cfg.Refresh.RetryDelay = time.Second
	return cfg
}

// newTestKernel builds a kernel on a fake clock. configure runs before Build.
func newTestKernel(t *testing.T, fn RefreshFunc, configure ...func(*Builder)) (*Kernel, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(testEpoch)
	b := New().
		WithConfig(testConfig()).
		WithLogger(logging.Discard()).
		WithRefreshFunc(fn).
		withClock(fake)
	for _, c := range configure {
		c(b)
	}
	k, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = k.Destroy(context.Background()) })
	return k, fake
}

func withConfig(mutate func(*Config)) func(*Builder) {
	return func(b *Builder) { mutate(&b.config) }
}

func engineOf(t *testing.T, k *Kernel) *RefreshEngine {
	t.Helper()
	e, ok := Capability[*RefreshEngine](k, PluginRefreshEngine)
	if !ok {
		t.Fatal("refresh engine not installed")
	}
	return e
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func recordEvents(k *Kernel, types ...events.Type) *eventRecorder {
	r := &eventRecorder{}
	if len(types) == 0 {
		types = events.Types()
	}
	for _, typ := range types {
		k.OnFunc(typ, r.record)
	}
	return r
}

func (r *eventRecorder) record(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) flushed(t *testing.T, k *Kernel) []events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func typesOf(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func sameTypes(got []events.Event, want ...events.Type) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Type != want[i] {
			return false
		}
	}
	return true
}

// countingRefresh returns a RefreshFunc issuing access tokens "a1", "a2", ...
// that expire after ttl seconds.
func countingRefresh(ttl int64) (RefreshFunc, *atomic.Int64) {
	var calls atomic.Int64
	fn := func(ctx context.Context, refreshToken string) (TokenSet, error) {
		n := calls.Add(1)
		return TokenSet{
			AccessToken: "a" + strconv.FormatInt(n+1, 10),
			ExpiresIn:   ttl,
		}, nil
	}
	return fn, &calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
