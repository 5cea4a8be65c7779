package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Actions carried by Message.Action.
const (
	ActionSet   = "set"
	ActionClear = "clear"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Message is one token-state change announced to peers. Origin identifies the
// publishing kernel so it can ignore its own echo.
type Message struct {
	Origin  string          `json:"origin"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Broadcaster publishes messages to every subscriber, including subscribers
// in the publishing process.
type Broadcaster interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers fn and returns a function that removes it. fn may
	// be called from any goroutine.
	Subscribe(fn func(Message)) (cancel func(), err error)
	Close() error
}
