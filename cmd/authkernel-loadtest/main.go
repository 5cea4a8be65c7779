package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authkernel"
	"github.com/MrEthical07/authkernel/internal/logging"
	"github.com/MrEthical07/authkernel/metrics/export/prometheus"
)

func main() {
	var (
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (refresh + fetch)")
		latency     = flag.Duration("refresh-latency", 5*time.Millisecond, "simulated refresh endpoint latency")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		logLevel    = flag.String("log-level", "warn", "kernel log level")
		promDump    = flag.Bool("prom", false, "print the prometheus exposition after the run")
	)
	flag.Parse()

	if *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "concurrency and ops must be > 0")
		os.Exit(2)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	var (
		generation  atomic.Int64
		invocations atomic.Int64
	)
	refresh := func(ctx context.Context, refreshToken string) (authkernel.TokenSet, error) {
		invocations.Add(1)
		select {
		case <-time.After(*latency):
		case <-ctx.Done():
			return authkernel.TokenSet{}, ctx.Err()
		}
		n := generation.Add(1)
		return authkernel.TokenSet{
			AccessToken: "access-" + strconv.FormatInt(n, 10),
			ExpiresIn:   3600,
		}, nil
	}

	cfg := authkernel.DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	cfg.Refresh.AutoRefresh = false

	k, err := authkernel.New().
		WithConfig(cfg).
		WithLogger(logging.New(logging.Options{Level: *logLevel, Output: "stderr"})).
		WithRefreshFunc(refresh).
		WithRedis(client).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer k.Destroy(context.Background())

	ctx := context.Background()
	if _, err := k.SetTokens(ctx, authkernel.TokenSet{AccessToken: "access-0", RefreshToken: "refresh", ExpiresIn: 3600}); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	refreshStats := runRefreshPhase(ctx, k, *ops, *concurrency)
	refreshCalls := invocations.Load()

	srv := newRotatingServer(&generation)
	defer srv.Close()
	fetchStats := runFetchPhase(ctx, k, srv.URL, *ops, *concurrency, &generation)

	fmt.Println("---- results ----")
	printStats("refresh", refreshStats)
	fmt.Printf("refresh: coalesced %d callers into %d refresh calls\n", refreshStats.ops, refreshCalls)
	printStats("fetch", fetchStats)

	snap := k.MetricsSnapshot()
	fmt.Printf("metrics: refresh_success=%d refresh_failure=%d fetch_401=%d fetch_recovered=%d events=%d dropped=%d\n",
		snap.Counters[authkernel.MetricRefreshSuccess],
		snap.Counters[authkernel.MetricRefreshFailure],
		snap.Counters[authkernel.MetricFetchUnauthorized],
		snap.Counters[authkernel.MetricFetchRecovered],
		snap.Counters[authkernel.MetricEventEmitted],
		k.EventsDropped(),
	)
	if *promDump {
		fmt.Print(prometheus.NewPrometheusExporter(k).Render())
	}
}

// newRotatingServer accepts only the newest access token, so every rotation
// sends in-flight requests through 401 recovery.
func newRotatingServer(generation *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer access-" + strconv.FormatInt(generation.Load(), 10)
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
}

func runRefreshPhase(ctx context.Context, k *authkernel.Kernel, ops, concurrency int) phaseStats {
	return runPhase(ops, concurrency, func(int) error {
		_, err := k.Refresh(ctx)
		return err
	})
}

func runFetchPhase(ctx context.Context, k *authkernel.Kernel, url string, ops, concurrency int, generation *atomic.Int64) phaseStats {
	hc, err := k.CreateFetch()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create fetch failed: %v\n", err)
		os.Exit(1)
	}
	return runPhase(ops, concurrency, func(i int) error {
		if i%500 == 0 {
			// Invalidate the held token server side.
			generation.Add(1)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
}

func runPhase(ops, concurrency int, op func(i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		strings.ToLower(name),
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
