package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authkernel"
	"github.com/MrEthical07/authkernel/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authkernel.MetricsSnapshot
	EventsDropped() uint64
}

// sample is what one collection cycle reads from the kernel.
type sample struct {
	snap    authkernel.MetricsSnapshot
	dropped uint64
}

// reading ties an instrument to the value it reports from a sample.
type reading struct {
	inst metric.Int64Observable
	read func(s *sample) int64
}

// OTelExporter reports kernel metrics through asynchronous OpenTelemetry
// instruments. Values are read at collection time; nothing is pushed.
type OTelExporter struct {
	source       metricsSource
	readings     []reading
	registration metric.Registration
}

// NewOTelExporter registers instruments on meter that read from k.
func NewOTelExporter(meter metric.Meter, k *authkernel.Kernel) (*OTelExporter, error) {
	if k == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, k)
}

// NewOTelExporterFromSource registers one counter per kernel counter, one gauge
// per latency bucket plus a count gauge, and a dropped-events counter. All of
// them are served by a single callback.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	for _, def := range internaldefs.CounterDefs {
		id := def.ID
		if err := e.addCounter(meter, def.Name, def.Help, func(s *sample) int64 {
			return int64(s.snap.Counters[id])
		}); err != nil {
			return nil, err
		}
	}
	for _, def := range internaldefs.HistogramDefs {
		if err := e.addHistogram(meter, def); err != nil {
			return nil, err
		}
	}
	if err := e.addCounter(meter, "authkernel_events_dropped_total",
		"Events dropped because the dispatch queue was full.",
		func(s *sample) int64 { return int64(s.dropped) }); err != nil {
		return nil, err
	}

	observables := make([]metric.Observable, len(e.readings))
	for i, r := range e.readings {
		observables[i] = r.inst
	}
	reg, err := meter.RegisterCallback(e.collect, observables...)
	if err != nil {
		return nil, fmt.Errorf("otel: register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func (e *OTelExporter) addCounter(meter metric.Meter, name, help string, read func(*sample) int64) error {
	inst, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
	if err != nil {
		return fmt.Errorf("otel: counter %s: %w", name, err)
	}
	e.readings = append(e.readings, reading{inst: inst, read: read})
	return nil
}

func (e *OTelExporter) addGauge(meter metric.Meter, name, help string, read func(*sample) int64) error {
	inst, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
	if err != nil {
		return fmt.Errorf("otel: gauge %s: %w", name, err)
	}
	e.readings = append(e.readings, reading{inst: inst, read: read})
	return nil
}

// addHistogram flattens a kernel histogram into cumulative bucket gauges named
// <name>_bucket_le_<bound> and a <name>_count gauge.
func (e *OTelExporter) addHistogram(meter metric.Meter, def internaldefs.HistogramDef) error {
	id := def.ID
	cumulative := func(s *sample) [8]uint64 {
		return internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(s.snap.Histograms[id]))
	}
	for i, suffix := range internaldefs.HistogramBoundSuffix {
		i := i
		if err := e.addGauge(meter, def.Name+"_bucket_le_"+suffix, "Cumulative histogram bucket count.",
			func(s *sample) int64 { return int64(cumulative(s)[i]) }); err != nil {
			return err
		}
	}
	return e.addGauge(meter, def.Name+"_count", "Histogram total sample count.",
		func(s *sample) int64 {
			b := cumulative(s)
			return int64(b[len(b)-1])
		})
}

func (e *OTelExporter) collect(_ context.Context, o metric.Observer) error {
	s := &sample{snap: e.source.MetricsSnapshot(), dropped: e.source.EventsDropped()}
	for _, r := range e.readings {
		o.ObserveInt64(r.inst, r.read(s))
	}
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
