package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("otel exporter: nil meter")
	ErrNilSource = errors.New("otel exporter: nil metrics source")
)

// Source is satisfied by *kbgauth.Engine.
type Source interface {
	MetricsSnapshot() kbgauth.MetricsSnapshot
	AuditDropped() uint64
}

type counterBinding struct {
	id  kbgauth.MetricID
	ins metric.Int64ObservableCounter
}

type histogramBinding struct {
	id      kbgauth.MetricID
	buckets [kbgauth.LatencyBucketCount]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	sum     metric.Float64ObservableGauge
}

// Exporter registers observable instruments on a caller-owned Meter and
// fills them from one snapshot per collection.
type Exporter struct {
	source       Source
	registration metric.Registration
	counters     []counterBinding
	histograms   []histogramBinding
	dropped      metric.Int64ObservableCounter
}

// New registers all kbgauth instruments on meter. Close unregisters them.
func New(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, counterBinding{id: def.ID, ins: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		binding, err := bindHistogram(meter, def)
		if err != nil {
			return nil, err
		}
		e.histograms = append(e.histograms, binding)
		for _, g := range binding.buckets {
			observables = append(observables, g)
		}
		observables = append(observables, binding.count, binding.sum)
	}

	dropped, err := meter.Int64ObservableCounter("kbgauth_audit_dropped_total",
		metric.WithDescription("Audit events dropped under backpressure."))
	if err != nil {
		return nil, fmt.Errorf("counter kbgauth_audit_dropped_total: %w", err)
	}
	e.dropped = dropped
	observables = append(observables, dropped)

	reg, err := meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func bindHistogram(meter metric.Meter, def internaldefs.HistogramDef) (histogramBinding, error) {
	b := histogramBinding{id: def.ID}
	for i, suffix := range internaldefs.HistogramBoundSuffix {
		name := def.Name + "_bucket_le_" + suffix
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative bucket count."))
		if err != nil {
			return b, fmt.Errorf("gauge %s: %w", name, err)
		}
		b.buckets[i] = g
	}
	g, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription("Total sample count."))
	if err != nil {
		return b, fmt.Errorf("gauge %s_count: %w", def.Name, err)
	}
	b.count = g
	sum, err := meter.Float64ObservableGauge(def.Name+"_sum",
		metric.WithDescription("Total observed time."), metric.WithUnit("s"))
	if err != nil {
		return b, fmt.Errorf("gauge %s_sum: %w", def.Name, err)
	}
	b.sum = sum
	return b, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.ins, int64(snap.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.Cumulative(snap.Histograms[h.id])
		for i, g := range h.buckets {
			o.ObserveInt64(g, int64(cumulative[i]))
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
		o.ObserveFloat64(h.sum, snap.HistogramSums[h.id].Seconds())
	}
	o.ObserveInt64(e.dropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
