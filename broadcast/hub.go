package broadcast

import (
	"context"
	"sync"
)

// Hub is an in-process Broadcaster. Publish delivers synchronously, in
// subscription order, on the caller's goroutine. The subscriber list is
// snapshotted before delivery, so subscribers may publish or unsubscribe.
type Hub struct {
	mu     sync.RWMutex
	subs   []*hubSub
	nextID uint64
	closed bool
}

type hubSub struct {
	id uint64
	fn func(Message)
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*hubSub, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, msg)
	}
	return nil
}

func deliver(fn func(Message), msg Message) {
	defer func() {
		_ = recover()
	}()
	fn(msg)
}

func (h *Hub) Subscribe(fn func(Message)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, &hubSub{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops every subscription. It is idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.subs = nil
	h.mu.Unlock()
	return nil
}

var _ Broadcaster = (*Hub)(nil)
