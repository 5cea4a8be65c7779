package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func adapters(t *testing.T) map[string]Adapter {
	t.Helper()
	_, rdb := newMiniRedis(t)

	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"), "")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Adapter{
		"memory": NewMemory(),
		"redis":  NewRedis(rdb, "test:"),
		"sqlite": sq,
	}
}

func TestAdapterContract(t *testing.T) {
	for name, a := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, err := a.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v err %v, want false nil", ok, err)
			}

			if err := a.Set(ctx, "tokens", `{"access_token":"a"}`); err != nil {
				t.Fatalf("Set: %v", err)
			}
			v, ok, err := a.Get(ctx, "tokens")
			if err != nil || !ok || v != `{"access_token":"a"}` {
				t.Fatalf("Get = %q %v %v", v, ok, err)
			}

			if err := a.Set(ctx, "tokens", "second"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if v, _, _ := a.Get(ctx, "tokens"); v != "second" {
				t.Fatalf("expected overwritten value, got %q", v)
			}

			if err := a.Remove(ctx, "tokens"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := a.Remove(ctx, "tokens"); err != nil {
				t.Fatalf("second Remove should be a no-op: %v", err)
			}
			if _, ok, _ := a.Get(ctx, "tokens"); ok {
				t.Fatal("expected key removed")
			}

			for _, k := range []string{"a", "b", "c"} {
				if err := a.Set(ctx, k, k); err != nil {
					t.Fatalf("Set %s: %v", k, err)
				}
			}
			if err := a.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			for _, k := range []string{"a", "b", "c"} {
				if _, ok, _ := a.Get(ctx, k); ok {
					t.Fatalf("expected %s cleared", k)
				}
			}
		})
	}
}

func TestRedisClearKeepsForeignKeys(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	ctx := context.Background()

	if err := mr.Set("other:keep", "1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a := NewRedis(rdb, "ak:")
	for i := 0; i < 250; i++ {
		if err := a.Set(ctx, string(rune('a'+i%26))+string(rune('0'+i/26)), "v"); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys := mr.Keys()
	if len(keys) != 1 || keys[0] != "other:keep" {
		t.Fatalf("expected only foreign key to survive, got %v", keys)
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	a := NewRedis(rdb, "")
	mr.Close()

	_, _, err := a.Get(context.Background(), "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestOpenRedisPing(t *testing.T) {
	mr, _ := newMiniRedis(t)

	a, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "p:"})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	if err := a.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := mr.Get("p:k"); err != nil || got != "v" {
		t.Fatalf("expected prefixed key, got %q %v", got, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenRedisFailsFast(t *testing.T) {
	mr, _ := newMiniRedis(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := OpenRedis(context.Background(), RedisOptions{Addr: addr}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kv.db")
	ctx := context.Background()

	first, err := OpenSQLite(ctx, path, "tokens")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := first.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := OpenSQLite(ctx, path, "tokens")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if v, ok, err := second.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("expected persisted value, got %q %v %v", v, ok, err)
	}
}

func TestSQLiteRejectsBadTable(t *testing.T) {
	_, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"), "kv; DROP TABLE x")
	if err == nil {
		t.Fatal("expected identifier error")
	}
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemory()
	if err := m.Set(ctx, "k", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("cancelled Set must not write")
	}
}
