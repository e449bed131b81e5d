// Package otel bridges kbgauth counters to OpenTelemetry observable
// instruments.
//
// Counters map to Int64ObservableCounter. Each histogram bucket maps to an
// Int64ObservableGauge holding the cumulative count. The caller owns the
// MeterProvider.
package otel
