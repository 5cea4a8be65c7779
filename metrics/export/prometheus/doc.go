// Package prometheus exposes kernel counters as a Prometheus scrape target.
//
// Every counter in internaldefs is written on each scrape, zero or not, so
// rate() queries see a series from the first scrape on. The refresh latency
// histogram reports buckets and a count only.
//
// Nothing is registered with a global registry. Mount [PrometheusExporter.Handler]
// wherever the host serves metrics.
package prometheus
