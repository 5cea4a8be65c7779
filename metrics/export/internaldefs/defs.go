package internaldefs

import (
	"github.com/MrEthical07/authkernel"
)

// CounterDef maps a kernel counter to its exported name.
type CounterDef struct {
	ID   authkernel.MetricID
	Name string
	Help string
}

// HistogramDef maps a kernel histogram to its exported name.
type HistogramDef struct {
	ID   authkernel.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: authkernel.MetricRefreshAttempt, Name: "authkernel_refresh_attempt_total", Help: "Calls into the refresh function."},
	{ID: authkernel.MetricRefreshSuccess, Name: "authkernel_refresh_success_total", Help: "Refresh cycles that stored new tokens."},
	{ID: authkernel.MetricRefreshFailure, Name: "authkernel_refresh_failure_total", Help: "Refresh cycles that ended in an error."},
	{ID: authkernel.MetricRefreshJoined, Name: "authkernel_refresh_joined_total", Help: "Refresh callers that shared an in-flight cycle."},
	{ID: authkernel.MetricRefreshRetry, Name: "authkernel_refresh_retry_total", Help: "Backoff waits between refresh attempts."},
	{ID: authkernel.MetricRefreshScheduled, Name: "authkernel_refresh_scheduled_total", Help: "Armed proactive refresh timers."},
	{ID: authkernel.MetricFetchUnauthorized, Name: "authkernel_fetch_unauthorized_total", Help: "401 responses seen by interceptors."},
	{ID: authkernel.MetricFetchRecovered, Name: "authkernel_fetch_recovered_total", Help: "401 responses recovered by a replay."},
	{ID: authkernel.MetricEventEmitted, Name: "authkernel_event_emitted_total", Help: "Events handed to the event bus."},
	{ID: authkernel.MetricPluginInstalled, Name: "authkernel_plugin_installed_total", Help: "Successful plugin installs."},
	{ID: authkernel.MetricPluginInstallFailed, Name: "authkernel_plugin_install_failed_total", Help: "Failed plugin installs."},
	{ID: authkernel.MetricLogout, Name: "authkernel_logout_total", Help: "Logout operations."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authkernel.MetricRefreshLatency, Name: "authkernel_refresh_latency_seconds", Help: "Refresh cycle latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"+Inf",
}

// HistogramBoundSuffix are instrument-name-safe forms of HistogramBounds.
var HistogramBoundSuffix = []string{
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
