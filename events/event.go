package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event variant.
type Type string

const (
	TypeLogin         Type = "login"
	TypeLogout        Type = "logout"
	TypeRefresh       Type = "refresh"
	TypeExpired       Type = "expired"
	TypeError         Type = "error"
	TypeStorageChange Type = "storage-change"
	TypeTabSync       Type = "tab-sync"
)

// Types lists every event variant.
func Types() []Type {
	return []Type{
		TypeLogin,
		TypeLogout,
		TypeRefresh,
		TypeExpired,
		TypeError,
		TypeStorageChange,
		TypeTabSync,
	}
}

// Event is a single auth state transition. It is created where the transition
// is detected and handed to each subscribed handler once.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	// Source identifies the origin of the transition; empty for local calls.
	Source  string
	Payload Payload
}

// Payload is the closed set of variant-specific event data.
type Payload interface {
	EventType() Type
	isPayload()
}

// Login is emitted when tokens are set with no prior token state.
type Login struct {
	TokenType string
	ExpiresAt time.Time
}

// Logout is emitted when token state is cleared through the kernel.
type Logout struct {
	Reason string
}

// Refresh is emitted when a token set replaces an existing one.
type Refresh struct {
	PreviousExpiresAt time.Time
	NextExpiresAt     time.Time
	RefreshCount      int
}

// Expired is emitted when the held access token is known to have expired.
type Expired struct {
	ExpiresAt time.Time
}

// Error is emitted for failures observers may want to react to.
type Error struct {
	Op  string
	Err error
}

// StorageChange is emitted when persisted token state is written or removed.
type StorageChange struct {
	Key     string
	Removed bool
}

// TabSync is emitted when a peer's broadcast was applied locally.
type TabSync struct {
	Action string
	Origin string
}

func (Login) EventType() Type         { return TypeLogin }
func (Logout) EventType() Type        { return TypeLogout }
func (Refresh) EventType() Type       { return TypeRefresh }
func (Expired) EventType() Type       { return TypeExpired }
func (Error) EventType() Type         { return TypeError }
func (StorageChange) EventType() Type { return TypeStorageChange }
func (TabSync) EventType() Type       { return TypeTabSync }

func (Login) isPayload()         {}
func (Logout) isPayload()        {}
func (Refresh) isPayload()       {}
func (Expired) isPayload()       {}
func (Error) isPayload()         {}
func (StorageChange) isPayload() {}
func (TabSync) isPayload()       {}

// New builds an Event for payload stamped at now.
func New(payload Payload, now time.Time) Event {
	var t Type
	if payload != nil {
		t = payload.EventType()
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: now,
		Payload:   payload,
	}
}

// WithSource returns a copy of e attributed to source.
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}
