package authkernel

import (
	"context"
	"net/http"
	"time"
)

// Well-known plugin names. The kernel routes façade calls to whichever plugin
// is installed under these names.
const (
	PluginTokenStore       = "token-store"
	PluginRefreshEngine    = "refresh-engine"
	PluginFetchInterceptor = "fetch-interceptor"
	PluginPersistence      = "token-persistence"
	PluginTabSync          = "tab-sync"
)

// TokenSet is a token response as handed to the kernel by the host or a
// refresh function. ExpiresIn is relative seconds and ExpiresAt absolute unix
// seconds; zero means absent for both.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// StoredTokenSet is the token slot held by the token store.
type StoredTokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	SetAt        time.Time `json:"set_at"`
	RefreshCount int       `json:"refresh_count"`
}

// HasExpiry reports whether the set carries a known expiry instant.
func (s StoredTokenSet) HasExpiry() bool {
	return !s.ExpiresAt.IsZero()
}

// RefreshFunc exchanges a refresh token for a new token set. It is the only
// network call the kernel issues on its own.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenSet, error)

// TokenStoreHooks are side effects run after the token slot changes. Hooks run
// on the writing goroutine, in registration order, and must not write tokens.
type TokenStoreHooks struct {
	OnSet   func(ctx context.Context, set StoredTokenSet)
	OnClear func(ctx context.Context)
}

// TokenStoreAPI is the capability exposed by the token-store plugin.
type TokenStoreAPI interface {
	Set(ctx context.Context, ts TokenSet) (StoredTokenSet, error)
	Swap(ctx context.Context, ts TokenSet) (prev StoredTokenSet, had bool, stored StoredTokenSet, err error)
	Get() (StoredTokenSet, bool)
	Clear(ctx context.Context)
	IsExpired() bool
	ExpiresIn() (time.Duration, bool)
	ExpiresAt() (time.Time, bool)
	Restore(ctx context.Context, set StoredTokenSet, notify bool) error
	Observe(hooks TokenStoreHooks) (remove func())
}

// RefreshAPI is the capability exposed by the refresh-engine plugin.
type RefreshAPI interface {
	Refresh(ctx context.Context) (StoredTokenSet, error)
	ScheduleRefresh()
	CancelScheduledRefresh() bool
	NextRefreshAt() (time.Time, bool)
	SetRefreshFunc(fn RefreshFunc)
	SetThreshold(d time.Duration)
	SetRetryPolicy(maxRetries int, retryDelay time.Duration)
	IsRefreshing() bool
}

// FetchAPI is the capability exposed by the fetch-interceptor plugin.
type FetchAPI interface {
	RoundTripper(opts ...FetchOption) http.RoundTripper
	CreateFetch(opts ...FetchOption) *http.Client
	WrapFetch(client *http.Client, opts ...FetchOption) *http.Client
	UnwrapFetch(client *http.Client) bool
}
