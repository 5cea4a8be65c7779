// Package otel reports kernel metrics through an OpenTelemetry Meter.
//
// The host owns the MeterProvider and passes a Meter in. The exporter only
// registers asynchronous instruments and a callback that snapshots the kernel
// once per collection; call [OTelExporter.Close] to detach it.
package otel
