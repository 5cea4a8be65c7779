package test

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/MrEthical07/authkernel"
	"github.com/MrEthical07/authkernel/events"
)

// ExampleNew demonstrates kernel construction with a refresh function and
// persistence.
func ExampleNew() {
	cfg := authkernel.DefaultConfig()
	cfg.Storage.Backend = authkernel.StorageMemory

	k, err := authkernel.New().
		WithConfig(cfg).
		WithRefreshFunc(func(ctx context.Context, refreshToken string) (authkernel.TokenSet, error) {
			return authkernel.TokenSet{AccessToken: "new-access", ExpiresIn: 900}, nil
		}).
		Build()
	if err != nil {
		return
	}
	defer k.Destroy(context.Background())

	_, _ = k.SetTokens(context.Background(), authkernel.TokenSet{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    900,
	})
	fmt.Println(k.IsAuthenticated())
	// Output: true
}

// ExampleKernel_CreateFetch shows an interceptor scoped to one API.
func ExampleKernel_CreateFetch() {
	var k *authkernel.Kernel
	client, err := k.CreateFetch(
		authkernel.WithInclude(authkernel.Prefix("https://api.example.com/")),
		authkernel.WithExclude(authkernel.Pattern(regexp.MustCompile(`/public/`))),
		authkernel.WithOn401(func(*http.Request) {}),
	)
	if err != nil {
		return
	}
	_ = client
}

// ExampleKernel_On shows how to observe auth transitions.
func ExampleKernel_On() {
	var k *authkernel.Kernel
	unsubscribe := k.OnFunc(events.TypeLogout, func(_ context.Context, e events.Event) error {
		fmt.Println("logged out:", e.Payload.(events.Logout).Reason)
		return nil
	})
	defer unsubscribe()
}
