package authkernel

import (
	"context"
	"sync"
	"time"

	"github.com/MrEthical07/authkernel/internal/clock"
	"github.com/MrEthical07/authkernel/jwt"
)

// TokenStore is the built-in token-store plugin. It holds a single token slot
// and answers expiry queries against the clock at call time.
//
// Writes (Set, Clear, Restore) are serialized together with their hooks, so
// hooks observe writes in the order they happened.
type TokenStore struct {
	write sync.Mutex

	mu      sync.RWMutex
	clock   clock.Clock
	current *StoredTokenSet
	count   int

	defaultType string
	decodeJWT   bool

	hookMu   sync.Mutex
	hooks    []*hookEntry
	nextHook uint64
}

type hookEntry struct {
	id    uint64
	hooks TokenStoreHooks
}

// NewTokenStore returns an empty store on the real clock.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		clock:       clock.Real(),
		defaultType: "Bearer",
	}
}

func (s *TokenStore) Name() string    { return PluginTokenStore }
func (s *TokenStore) Version() string { return Version }
func (s *TokenStore) Kind() Kind      { return KindTokenStore }

// Install binds the store to the kernel's clock and token settings.
func (s *TokenStore) Install(k *Kernel) (any, error) {
	cfg := k.Options().Tokens

	s.mu.Lock()
	s.clock = k.clock
	s.defaultType = cfg.DefaultTokenType
	s.decodeJWT = cfg.DecodeJWTExpiry
	s.mu.Unlock()
	return s, nil
}

// Set replaces the slot. Expiry resolution order: absolute ExpiresAt, relative
// ExpiresIn, then (when enabled) the access token's exp claim.
func (s *TokenStore) Set(ctx context.Context, ts TokenSet) (StoredTokenSet, error) {
	_, _, stored, err := s.Swap(ctx, ts)
	return stored, err
}

// Swap is Set that also returns the slot it replaced. The previous set is read
// under the same write lock, so of two concurrent writers into an empty slot
// exactly one sees had == false.
func (s *TokenStore) Swap(ctx context.Context, ts TokenSet) (prev StoredTokenSet, had bool, stored StoredTokenSet, err error) {
	if ts.AccessToken == "" {
		return StoredTokenSet{}, false, StoredTokenSet{}, ErrInvalidTokenSet
	}

	s.write.Lock()
	defer s.write.Unlock()

	s.mu.Lock()
	if s.current != nil {
		prev, had = *s.current, true
	}
	now := s.clock.Now()
	tokenType := ts.TokenType
	if tokenType == "" {
		tokenType = s.defaultType
	}
	s.count++
	stored = StoredTokenSet{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    s.resolveExpiry(ts, now),
		SetAt:        now,
		RefreshCount: s.count,
	}
	cur := stored
	s.current = &cur
	s.mu.Unlock()

	s.runSet(ctx, stored)
	return prev, had, stored, nil
}

func (s *TokenStore) resolveExpiry(ts TokenSet, now time.Time) time.Time {
	switch {
	case ts.ExpiresAt > 0:
		return time.Unix(ts.ExpiresAt, 0)
	case ts.ExpiresIn > 0:
		return now.Add(time.Duration(ts.ExpiresIn) * time.Second)
	case s.decodeJWT:
		if exp, ok := jwt.ExpiresAt(ts.AccessToken); ok {
			return exp
		}
	}
	return time.Time{}
}

// Get returns a copy of the slot.
func (s *TokenStore) Get() (StoredTokenSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return StoredTokenSet{}, false
	}
	return *s.current, true
}

// Clear empties the slot and resets the refresh counter.
func (s *TokenStore) Clear(ctx context.Context) {
	s.write.Lock()
	defer s.write.Unlock()

	s.mu.Lock()
	s.current = nil
	s.count = 0
	s.mu.Unlock()

	for _, h := range s.snapshotHooks() {
		if h.OnClear != nil {
			h.OnClear(ctx)
		}
	}
}

// Restore installs a previously stored set verbatim. The refresh counter
// continues from the restored value. OnSet hooks run only when notify is true.
func (s *TokenStore) Restore(ctx context.Context, set StoredTokenSet, notify bool) error {
	if set.AccessToken == "" {
		return ErrInvalidTokenSet
	}
	if set.RefreshCount < 0 {
		set.RefreshCount = 0
	}

	s.write.Lock()
	defer s.write.Unlock()

	s.mu.Lock()
	if set.TokenType == "" {
		set.TokenType = s.defaultType
	}
	stored := set
	s.current = &stored
	s.count = set.RefreshCount
	s.mu.Unlock()

	if notify {
		s.runSet(ctx, stored)
	}
	return nil
}

// IsExpired reports whether the expiry instant has been reached. Empty and
// non-expiring slots are never expired.
func (s *TokenStore) IsExpired() bool {
	exp, ok := s.ExpiresAt()
	if !ok {
		return false
	}
	return !s.now().Before(exp)
}

// ExpiresIn returns the time left until expiry; negative once expired.
func (s *TokenStore) ExpiresIn() (time.Duration, bool) {
	exp, ok := s.ExpiresAt()
	if !ok {
		return 0, false
	}
	return exp.Sub(s.now()), true
}

// ExpiresAt returns the expiry instant when one is known.
func (s *TokenStore) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || !s.current.HasExpiry() {
		return time.Time{}, false
	}
	return s.current.ExpiresAt, true
}

// Observe attaches hooks and returns a function that detaches them.
func (s *TokenStore) Observe(hooks TokenStoreHooks) func() {
	s.hookMu.Lock()
	s.nextHook++
	id := s.nextHook
	s.hooks = append(s.hooks, &hookEntry{id: id, hooks: hooks})
	s.hookMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hookMu.Lock()
			defer s.hookMu.Unlock()
			for i, h := range s.hooks {
				if h.id == id {
					s.hooks = append(s.hooks[:i:i], s.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *TokenStore) runSet(ctx context.Context, stored StoredTokenSet) {
	for _, h := range s.snapshotHooks() {
		if h.OnSet != nil {
			h.OnSet(ctx, stored)
		}
	}
}

func (s *TokenStore) snapshotHooks() []TokenStoreHooks {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	out := make([]TokenStoreHooks, len(s.hooks))
	for i, h := range s.hooks {
		out[i] = h.hooks
	}
	return out
}

func (s *TokenStore) now() time.Time {
	s.mu.RLock()
	c := s.clock
	s.mu.RUnlock()
	return c.Now()
}
