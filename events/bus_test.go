package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	seen  []string
	count atomic.Int64
}

func (r *recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	r.seen = append(r.seen, string(e.Type))
	r.mu.Unlock()
	r.count.Add(1)
	return nil
}

func (r *recorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(cfg, nil)
	t.Cleanup(b.Close)
	return b
}

func flush(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestEmitIsDeferred(t *testing.T) {
	b := newTestBus(t, Config{})

	gate := make(chan struct{})
	var ran atomic.Bool
	b.OnFunc(TypeLogin, func(context.Context, Event) error {
		<-gate
		ran.Store(true)
		return nil
	})

	b.Emit(New(Login{TokenType: "Bearer"}, time.Now()))
	if ran.Load() {
		t.Fatal("handler ran before Emit returned")
	}
	close(gate)
	flush(t, b)
	if !ran.Load() {
		t.Fatal("handler did not run after Flush")
	}
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	b := newTestBus(t, Config{})

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 5; i++ {
		i := i
		b.OnFunc(TypeRefresh, func(context.Context, Event) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	b.Emit(New(Refresh{RefreshCount: 2}, time.Now()))
	flush(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order %v is not subscription order", order)
		}
	}
}

func TestPointerHandlerSubscribedOnce(t *testing.T) {
	b := newTestBus(t, Config{})
	r := &recorder{}

	b.On(TypeLogout, r)
	b.On(TypeLogout, r)
	if got := b.HandlerCount(TypeLogout); got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}

	b.Emit(New(Logout{Reason: "user"}, time.Now()))
	flush(t, b)
	if got := r.count.Load(); got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
}

func TestOffRemovesHandlerAndEmptyType(t *testing.T) {
	b := newTestBus(t, Config{})
	r := &recorder{}

	b.On(TypeExpired, r)
	b.Off(TypeExpired, r)
	if got := b.HandlerCount(TypeExpired); got != 0 {
		t.Fatalf("expected no subscriptions, got %d", got)
	}
	b.mu.RLock()
	_, present := b.subs[TypeExpired]
	b.mu.RUnlock()
	if present {
		t.Fatal("empty handler set should be removed")
	}

	b.Emit(New(Expired{}, time.Now()))
	flush(t, b)
	if r.count.Load() != 0 {
		t.Fatal("removed handler received an event")
	}

	// Off for a handler that was never added is a no-op.
	b.Off(TypeLogin, &recorder{})
}

func TestUnsubscribeFuncRemovesFuncHandler(t *testing.T) {
	b := newTestBus(t, Config{})
	var calls atomic.Int64

	off := b.OnFunc(TypeLogin, func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	off()
	off()

	b.Emit(New(Login{}, time.Now()))
	flush(t, b)
	if calls.Load() != 0 {
		t.Fatalf("unsubscribed func received %d events", calls.Load())
	}
}

func TestOffSuppressesQueuedDispatch(t *testing.T) {
	b := newTestBus(t, Config{})

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	b.OnFunc(TypeLogin, func(context.Context, Event) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	})
	r := &recorder{}
	b.On(TypeRefresh, r)

	b.Emit(New(Login{}, time.Now()))
	<-started
	b.Emit(New(Refresh{}, time.Now()))
	b.Off(TypeRefresh, r)
	close(gate)
	flush(t, b)

	if r.count.Load() != 0 {
		t.Fatal("handler removed before dispatch still received the event")
	}
}

func TestClearSuppressesQueuedDispatch(t *testing.T) {
	b := newTestBus(t, Config{})

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	b.OnFunc(TypeLogin, func(context.Context, Event) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	})
	r := &recorder{}
	b.On(TypeLogout, r)

	b.Emit(New(Login{}, time.Now()))
	<-started
	b.Emit(New(Logout{}, time.Now()))
	b.Clear()
	close(gate)
	flush(t, b)

	if r.count.Load() != 0 {
		t.Fatal("cleared handler received a queued event")
	}
	if b.HandlerCount(TypeLogin) != 0 {
		t.Fatal("Clear left subscriptions behind")
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	b := newTestBus(t, Config{})

	b.OnFunc(TypeError, func(context.Context, Event) error {
		panic("boom")
	})
	b.OnFunc(TypeError, func(context.Context, Event) error {
		return errors.New("handler failed")
	})
	r := &recorder{}
	b.On(TypeError, r)

	b.Emit(New(Error{Op: "refresh", Err: errors.New("x")}, time.Now()))
	flush(t, b)

	if r.count.Load() != 1 {
		t.Fatal("handler after failing handlers was not invoked")
	}
	stats := b.Stats()
	if stats.HandlerPanics != 1 || stats.HandlerErrors != 1 || stats.Delivered != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSubscriptionSnapshotAtEmit(t *testing.T) {
	b := newTestBus(t, Config{})

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	b.OnFunc(TypeLogin, func(context.Context, Event) error {
		once.Do(func() { close(started) })
		<-gate
		return nil
	})

	b.Emit(New(Login{}, time.Now()))
	<-started
	late := &recorder{}
	b.On(TypeLogin, late)
	close(gate)
	flush(t, b)

	if late.count.Load() != 0 {
		t.Fatal("handler added after emit received the event")
	}
}

func TestMaxPendingDropsWithoutBlocking(t *testing.T) {
	b := newTestBus(t, Config{MaxPending: 2})

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	var calls atomic.Int64
	b.OnFunc(TypeRefresh, func(context.Context, Event) error {
		once.Do(func() { close(started) })
		calls.Add(1)
		<-gate
		return nil
	})

	b.Emit(New(Refresh{}, time.Now()))
	<-started
	for i := 0; i < 3; i++ {
		b.Emit(New(Refresh{}, time.Now()))
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	close(gate)
	flush(t, b)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}

func TestEmitWithoutSubscribersIsNoop(t *testing.T) {
	b := newTestBus(t, Config{})
	b.Emit(New(TabSync{Action: "set"}, time.Now()))
	flush(t, b)
	if stats := b.Stats(); stats.Emitted != 0 {
		t.Fatalf("expected nothing emitted, got %+v", stats)
	}
}

func TestCloseDrainsAndStopsAccepting(t *testing.T) {
	b := NewBus(Config{}, nil)
	r := &recorder{}
	b.On(TypeLogin, r)

	for i := 0; i < 10; i++ {
		b.Emit(New(Login{}, time.Now()))
	}
	b.Close()
	b.Close()

	if got := r.count.Load(); got != 10 {
		t.Fatalf("expected queued events to drain on Close, got %d", got)
	}
	b.Emit(New(Login{}, time.Now()))
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after Close: %v", err)
	}
	if got := r.count.Load(); got != 10 {
		t.Fatal("event emitted after Close was delivered")
	}
}

func TestFlushHonoursContext(t *testing.T) {
	b := newTestBus(t, Config{})

	gate := make(chan struct{})
	defer close(gate)
	b.OnFunc(TypeLogin, func(context.Context, Event) error {
		<-gate
		return nil
	})
	b.Emit(New(Login{}, time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
