package test

import (
	"context"
	"net/http"
	"testing"

	"golang.org/x/oauth2"

	"github.com/MrEthical07/authkernel"
	"github.com/MrEthical07/authkernel/broadcast"
	"github.com/MrEthical07/authkernel/events"
	"github.com/MrEthical07/authkernel/storage"
)

// This test intentionally guards public API compile-compat for consumers.
func TestPublicAPISurfaceCompile(t *testing.T) {
	_ = authkernel.New
	_ = authkernel.NewKernel
	_ = authkernel.LoadConfig

	var _ *authkernel.Kernel
	var _ authkernel.Config
	var _ authkernel.TokenSet
	var _ authkernel.StoredTokenSet
	var _ authkernel.RefreshFunc
	var _ authkernel.Plugin
	var _ storage.Adapter = storage.NewMemory()
	var _ broadcast.Broadcaster = broadcast.NewHub()

	var _ error = authkernel.ErrRefreshTokenMissing
	var _ error = authkernel.ErrRefreshFuncMissing
	var _ error = authkernel.ErrRefreshFailed
	var _ error = authkernel.ErrCapabilityUnavailable
	var _ error = authkernel.ErrDuplicatePlugin
	var _ error = authkernel.ErrKernelDestroyed

	var _ func(*authkernel.Kernel, context.Context, authkernel.TokenSet) (authkernel.StoredTokenSet, error) = (*authkernel.Kernel).SetTokens
	var _ func(*authkernel.Kernel, context.Context) (authkernel.StoredTokenSet, error) = (*authkernel.Kernel).Refresh
	var _ func(*authkernel.Kernel, context.Context, string) error = (*authkernel.Kernel).Logout
	var _ func(*authkernel.Kernel, ...authkernel.FetchOption) (*http.Client, error) = (*authkernel.Kernel).CreateFetch
	var _ func(*authkernel.Kernel, events.Type, events.Handler) func() = (*authkernel.Kernel).On
	var _ func(*authkernel.Kernel, context.Context) oauth2.TokenSource = (*authkernel.Kernel).TokenSource
	var _ func(*oauth2.Config) authkernel.RefreshFunc = authkernel.OAuth2RefreshFunc
}
