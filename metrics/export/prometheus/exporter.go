package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/authkernel"
	"github.com/MrEthical07/authkernel/metrics/export/internaldefs"
)

const (
	contentType = "text/plain; version=0.0.4; charset=utf-8"

	droppedName = "authkernel_events_dropped_total"
	droppedHelp = "Events dropped because the dispatch queue was full."
)

type metricsSource interface {
	MetricsSnapshot() authkernel.MetricsSnapshot
	EventsDropped() uint64
}

// PrometheusExporter serves a kernel's counters as a scrape target.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from k on every scrape.
func NewPrometheusExporter(k *authkernel.Kernel) *PrometheusExporter {
	return &PrometheusExporter{source: k}
}

// NewPrometheusExporterFromSource is NewPrometheusExporter for anything that
// can produce a snapshot, such as a test double.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves Render on any method and path.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the exposition text, or "" when the kernel records nothing.
// Counters follow internaldefs order so consecutive scrapes diff cleanly.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snap := p.source.MetricsSnapshot()
	dropped := p.source.EventsDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return ""
	}

	w := exposition{}
	w.Grow(4096)
	for _, def := range internaldefs.CounterDefs {
		w.counter(def.Name, def.Help, snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID]))
		w.histogram(def.Name, def.Help, buckets)
	}
	w.counter(droppedName, droppedHelp, dropped)
	return w.String()
}

// exposition appends metric families in text format 0.0.4.
type exposition struct {
	strings.Builder
}

func (w *exposition) family(name, help, kind string) {
	w.WriteString("# HELP " + name + " " + escapeHelp(help) + "\n")
	w.WriteString("# TYPE " + name + " " + kind + "\n")
}

func (w *exposition) sample(name, labels string, v uint64) {
	w.WriteString(name)
	w.WriteString(labels)
	w.WriteByte(' ')
	w.WriteString(strconv.FormatUint(v, 10))
	w.WriteByte('\n')
}

func (w *exposition) counter(name, help string, v uint64) {
	w.family(name, help, "counter")
	w.sample(name, "", v)
}

// histogram writes cumulative buckets. Latency sums are not tracked, so _sum
// is always 0.
func (w *exposition) histogram(name, help string, cumulative [8]uint64) {
	w.family(name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		w.sample(name+"_bucket", `{le="`+le+`"}`, cumulative[i])
	}
	w.sample(name+"_count", "", cumulative[len(cumulative)-1])
	w.sample(name+"_sum", "", 0)
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
