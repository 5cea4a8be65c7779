package authkernel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newAuthServer accepts requests bearing "Bearer <valid>" and echoes the
// request body; everything else gets 401.
func newAuthServer(t *testing.T, valid *atomic.Value) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+valid.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, "unauthorized")
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchInjectsCredentials(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	k, _ := newTestKernel(t, nil)
	client, err := k.CreateFetch()
	if err != nil {
		t.Fatalf("CreateFetch: %v", err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if seen.Load().(string) != "" {
		t.Fatal("no header expected without tokens")
	}

	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1"})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got := seen.Load().(string); got != "Bearer a1" {
		t.Fatalf("unexpected Authorization %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("caller's request must not be mutated")
	}
}

func TestFetchCustomHeaderAndFilters(t *testing.T) {
	var seen sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.URL.Path, r.Header.Get("X-Token"))
	}))
	defer srv.Close()

	k, _ := newTestKernel(t, nil)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1"})
	client, _ := k.CreateFetch(
		WithHeader("X-Token", "Token "),
		WithInclude(Prefix(srv.URL+"/api/"), Pattern(regexp.MustCompile(`/v\d+/`))),
		WithExclude(Contains("/public")),
	)

	for _, path := range []string{"/api/users", "/v2/items", "/api/public/info", "/other"} {
		resp, err := client.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("Get %s: %v", path, err)
		}
		resp.Body.Close()
	}

	want := map[string]string{
		"/api/users":       "Token a1",
		"/v2/items":        "Token a1",
		"/api/public/info": "",
		"/other":           "",
	}
	for path, header := range want {
		got, _ := seen.Load(path)
		if got.(string) != header {
			t.Fatalf("%s: header %q, want %q", path, got, header)
		}
	}
}

func TestFetchRecoversFrom401(t *testing.T) {
	var valid atomic.Value
	valid.Store("a2")
	srv, hits := newAuthServer(t, &valid)

	var calls atomic.Int64
	fn := func(ctx context.Context, rt string) (TokenSet, error) {
		calls.Add(1)
		return TokenSet{AccessToken: "a2"}, nil
	}
	k, _ := newTestKernel(t, fn)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1", RefreshToken: "r1"})

	var on401 atomic.Int64
	client, _ := k.CreateFetch(WithOn401(func(*http.Request) { on401.Add(1) }))
	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || string(body) != "payload" {
		t.Fatalf("unexpected replay result %d %q", resp.StatusCode, body)
	}
	if calls.Load() != 1 || hits.Load() != 2 || on401.Load() != 1 {
		t.Fatalf("calls=%d hits=%d on401=%d", calls.Load(), hits.Load(), on401.Load())
	}
	snap := k.MetricsSnapshot()
	if snap.Counters[MetricFetchUnauthorized] != 1 || snap.Counters[MetricFetchRecovered] != 1 {
		t.Fatalf("unexpected fetch metrics %+v", snap.Counters)
	}
}

func TestFetchReturnsOriginal401WhenRefreshFails(t *testing.T) {
	var valid atomic.Value
	valid.Store("never")
	srv, hits := newAuthServer(t, &valid)

	fn := func(ctx context.Context, rt string) (TokenSet, error) {
		return TokenSet{}, Permanent(errors.New("invalid_grant"))
	}
	k, _ := newTestKernel(t, fn)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1", RefreshToken: "r1"})

	client, _ := k.CreateFetch()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get must not fail: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusUnauthorized || string(body) != "unauthorized" {
		t.Fatalf("expected original 401, got %d %q", resp.StatusCode, body)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected no replay, got %d hits", hits.Load())
	}
}

func TestFetchRetry401Disabled(t *testing.T) {
	var valid atomic.Value
	valid.Store("a2")
	srv, _ := newAuthServer(t, &valid)

	fn, calls := countingRefresh(0)
	k, _ := newTestKernel(t, fn)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1", RefreshToken: "r1"})

	for _, opt := range []FetchOption{WithRetry401(false), WithMaxRetries(0)} {
		client, _ := k.CreateFetch(opt)
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	}
	if calls.Load() != 0 {
		t.Fatal("refresh must not run when 401 retry is off")
	}
}

func TestFetchUnreplayableBodySkipsRecovery(t *testing.T) {
	var valid atomic.Value
	valid.Store("a2")
	srv, _ := newAuthServer(t, &valid)

	fn, calls := countingRefresh(0)
	k, _ := newTestKernel(t, fn)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1", RefreshToken: "r1"})

	client, _ := k.CreateFetch()
	req, _ := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewReader([]byte("x"))))
	req.GetBody = nil
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || calls.Load() != 0 {
		t.Fatalf("expected 401 without refresh, got %d with %d calls", resp.StatusCode, calls.Load())
	}
}

func TestFetchConcurrent401sShareOneRefresh(t *testing.T) {
	const requests = 8
	var valid atomic.Value
	valid.Store("a2")
	srv, _ := newAuthServer(t, &valid)

	var engine *RefreshEngine
	var calls atomic.Int64
	fn := func(ctx context.Context, rt string) (TokenSet, error) {
		calls.Add(1)
		deadline := time.Now().Add(2 * time.Second)
		for engine.waiters() < requests && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return TokenSet{AccessToken: "a2"}, nil
	}
	k, _ := newTestKernel(t, fn)
	engine = engineOf(t, k)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1", RefreshToken: "r1"})

	client, _ := k.CreateFetch()
	var wg sync.WaitGroup
	codes := make([]int, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(srv.URL)
			if err != nil {
				return
			}
			codes[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", calls.Load())
	}
	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
}

type markerTransport struct{ base http.RoundTripper }

func (m *markerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Marker", "1")
	return m.base.RoundTrip(r)
}

func TestWrapAndUnwrapFetch(t *testing.T) {
	var header, marker atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get("Authorization"))
		marker.Store(r.Header.Get("X-Marker"))
	}))
	defer srv.Close()

	k, _ := newTestKernel(t, nil)
	_, _ = k.SetTokens(context.Background(), TokenSet{AccessToken: "a1"})

	base := &markerTransport{base: http.DefaultTransport}
	client := &http.Client{Transport: base}
	if _, err := k.WrapFetch(client); err != nil {
		t.Fatalf("WrapFetch: %v", err)
	}
	if _, err := k.WrapFetch(client, WithHeader("Authorization", "Token ")); err != nil {
		t.Fatalf("second WrapFetch: %v", err)
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if header.Load().(string) != "Token a1" || marker.Load().(string) != "1" {
		t.Fatalf("wrapped client lost base transport or header: %q %q", header.Load(), marker.Load())
	}

	if !k.UnwrapFetch(client) {
		t.Fatal("UnwrapFetch must report a wrapped client")
	}
	if client.Transport != http.RoundTripper(base) {
		t.Fatal("original transport not restored")
	}
	if k.UnwrapFetch(client) {
		t.Fatal("second UnwrapFetch must report false")
	}
}

func TestUninstallInterceptorRestoresWrappedClients(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	client := &http.Client{}
	if _, err := k.WrapFetch(client); err != nil {
		t.Fatalf("WrapFetch: %v", err)
	}
	if client.Transport == nil {
		t.Fatal("expected wrapped transport")
	}

	k.Unuse(PluginFetchInterceptor)
	if client.Transport != nil {
		t.Fatal("uninstall must restore the nil transport")
	}
	if _, err := k.CreateFetch(); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}
