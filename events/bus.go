package events

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authkernel/internal/logging"
)

// Handler receives dispatched events.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler. Function values have no identity,
// so every On call with a HandlerFunc creates a new subscription.
type HandlerFunc func(ctx context.Context, e Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Config controls dispatcher queueing.
type Config struct {
	// MaxPending caps queued dispatch jobs. Zero means unbounded.
	MaxPending int
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Emitted       uint64
	Delivered     uint64
	HandlerErrors uint64
	HandlerPanics uint64
	Dropped       uint64
	Pending       int
}

type subscription struct {
	handler Handler
	key     any
	active  atomic.Bool
}

type job struct {
	event   Event
	subs    []*subscription
	barrier chan struct{}
}

// Bus is the asynchronous event bus. The zero value is not usable; call NewBus.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Type][]*subscription

	qmu     sync.Mutex
	queue   []job
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	emitted   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus starts a bus and its dispatcher goroutine.
func NewBus(cfg Config, logger *slog.Logger) *Bus {
	if cfg.MaxPending < 0 {
		cfg.MaxPending = 0
	}
	if logger == nil {
		logger = logging.Discard()
	}

	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[Type][]*subscription),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.qmu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = job{}
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.dispatch(next)
	}
}

func (b *Bus) dispatch(j job) {
	if j.barrier != nil {
		close(j.barrier)
		return
	}
	ctx := context.Background()
	for _, sub := range j.subs {
		if !sub.active.Load() {
			continue
		}
		b.invoke(ctx, sub, j.event)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panicked.Add(1)
			b.logger.Error("event handler panicked", "event", string(e.Type), "panic", r)
		}
	}()

	if err := sub.handler.Handle(ctx, e); err != nil {
		b.failed.Add(1)
		b.logger.Warn("event handler failed", "event", string(e.Type), "error", err)
		return
	}
	b.delivered.Add(1)
}

// On subscribes h to events of type t and returns its unsubscribe function.
// Subscribing the same pointer handler twice for one type is a no-op.
func (b *Bus) On(t Type, h Handler) func() {
	if h == nil {
		return func() {}
	}
	key := identity(h)

	b.mu.Lock()
	defer b.mu.Unlock()

	if key != nil {
		for _, sub := range b.subs[t] {
			if sub.key == key {
				existing := sub
				return func() { b.remove(t, existing) }
			}
		}
	}

	sub := &subscription{handler: h, key: key}
	sub.active.Store(true)
	b.subs[t] = append(b.subs[t], sub)
	return func() { b.remove(t, sub) }
}

// OnFunc subscribes fn to events of type t.
func (b *Bus) OnFunc(t Type, fn func(ctx context.Context, e Event) error) func() {
	if fn == nil {
		return func() {}
	}
	return b.On(t, HandlerFunc(fn))
}

// Off removes a pointer handler subscribed with On. Handlers without identity
// (HandlerFunc) must be removed with the function On returned.
func (b *Bus) Off(t Type, h Handler) {
	key := identity(h)
	if key == nil {
		return
	}

	b.mu.RLock()
	var target *subscription
	for _, sub := range b.subs[t] {
		if sub.key == key {
			target = sub
			break
		}
	}
	b.mu.RUnlock()

	if target != nil {
		b.remove(t, target)
	}
}

func (b *Bus) remove(t Type, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target.active.Store(false)
	subs := b.subs[t]
	for i, sub := range subs {
		if sub == target {
			kept := make([]*subscription, 0, len(subs)-1)
			kept = append(kept, subs[:i]...)
			kept = append(kept, subs[i+1:]...)
			subs = kept
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, t)
		return
	}
	b.subs[t] = subs
}

// Emit queues e for dispatch to the handlers subscribed at the time of the call.
// It returns before any handler runs.
func (b *Bus) Emit(e Event) {
	if b == nil || b.closed.Load() {
		return
	}

	b.mu.RLock()
	current := b.subs[e.Type]
	subs := make([]*subscription, len(current))
	copy(subs, current)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if !b.enqueue(job{event: e, subs: subs}) {
		b.dropped.Add(1)
		b.logger.Warn("event dropped, dispatch queue full", "event", string(e.Type))
		return
	}
	b.emitted.Add(1)
}

func (b *Bus) enqueue(j job) bool {
	b.qmu.Lock()
	if j.barrier == nil && b.cfg.MaxPending > 0 && len(b.queue) >= b.cfg.MaxPending {
		b.qmu.Unlock()
		return false
	}
	b.queue = append(b.queue, j)
	b.qmu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every dispatch queued before the call has completed.
// It must not be called from inside a handler.
func (b *Bus) Flush(ctx context.Context) error {
	if b == nil || b.closed.Load() {
		return nil
	}
	barrier := make(chan struct{})
	b.enqueue(job{barrier: barrier})

	select {
	case <-barrier:
		return nil
	case <-b.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear removes every subscription. Queued dispatches for them are suppressed.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	b.subs = make(map[Type][]*subscription)
}

// HandlerCount returns the number of subscriptions for t.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Close stops accepting events, dispatches what is queued, and waits for the
// dispatcher to exit. It is safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		<-b.stopped
	})
}

// Dropped returns the number of events dropped because the queue was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.qmu.Lock()
	pending := len(b.queue)
	b.qmu.Unlock()

	return Stats{
		Emitted:       b.emitted.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.failed.Load(),
		HandlerPanics: b.panicked.Load(),
		Dropped:       b.dropped.Load(),
		Pending:       pending,
	}
}

func identity(h Handler) any {
	if h == nil {
		return nil
	}
	if reflect.TypeOf(h).Kind() == reflect.Pointer {
		return h
	}
	return nil
}
