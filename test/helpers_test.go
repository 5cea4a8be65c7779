//go:build integration
// +build integration

package test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authkernel"
	"github.com/MrEthical07/authkernel/internal/logging"
)

func newIntegrationRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func newIntegrationKernel(t *testing.T, fn authkernel.RefreshFunc, configure func(*authkernel.Builder)) *authkernel.Kernel {
	t.Helper()

	cfg := authkernel.DefaultConfig()
	cfg.Metrics.Enabled = true
	b := authkernel.New().
		WithConfig(cfg).
		WithLogger(logging.Discard()).
		WithRefreshFunc(fn)
	if configure != nil {
		configure(b)
	}
	k, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = k.Destroy(context.Background()) })
	return k
}
