package otel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kbgapp/kbgauth"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot kbgauth.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() kbgauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := kbgauth.MetricsSnapshot{
		Counters:      make(map[kbgauth.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms:    make(map[kbgauth.MetricID][]uint64, len(f.snapshot.Histograms)),
		HistogramSums: make(map[kbgauth.MetricID]time.Duration, len(f.snapshot.HistogramSums)),
	}
	for k, v := range f.snapshot.HistogramSums {
		out.HistogramSums[k] = v
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("kbgauth-test")

	src := &fakeSource{
		snapshot: kbgauth.MetricsSnapshot{
			Counters: map[kbgauth.MetricID]uint64{
				kbgauth.MetricLoginSuccess: 3,
			},
			Histograms: map[kbgauth.MetricID][]uint64{
				kbgauth.MetricValidateLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
			HistogramSums: map[kbgauth.MetricID]time.Duration{
				kbgauth.MetricValidateLatency: 1500 * time.Millisecond,
			},
		},
		dropped: 1,
	}

	exp, err := New(meter, src)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("expected collected metrics, got none")
	}

	var loginSuccess, plusInf, dropped int64 = -1, -1, -1
	var latencySum float64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "kbgauth_login_success_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if ok && len(sum.DataPoints) == 1 {
					loginSuccess = sum.DataPoints[0].Value
				}
			case "kbgauth_audit_dropped_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if ok && len(sum.DataPoints) == 1 {
					dropped = sum.DataPoints[0].Value
				}
			case "kbgauth_validate_latency_seconds_sum":
				gauge, ok := m.Data.(metricdata.Gauge[float64])
				if ok && len(gauge.DataPoints) == 1 {
					latencySum = gauge.DataPoints[0].Value
				}
			case "kbgauth_validate_latency_seconds_bucket_le_inf":
				gauge, ok := m.Data.(metricdata.Gauge[int64])
				if ok && len(gauge.DataPoints) == 1 {
					plusInf = gauge.DataPoints[0].Value
				}
			}
		}
	}
	if loginSuccess != 3 {
		t.Fatalf("expected login success 3, got %d", loginSuccess)
	}
	if plusInf != 8 {
		t.Fatalf("expected cumulative +Inf bucket 8, got %d", plusInf)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped audit event, got %d", dropped)
	}
	if latencySum != 1.5 {
		t.Fatalf("expected latency sum 1.5s, got %v", latencySum)
	}
}

func TestExporterRejectsNilMeter(t *testing.T) {
	if _, err := New(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterRejectsNilSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("kbgauth-test")

	if _, err := New(meter, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("kbgauth-test")

	src := &fakeSource{
		snapshot: kbgauth.MetricsSnapshot{
			Counters: map[kbgauth.MetricID]uint64{
				kbgauth.MetricLoginSuccess: 1,
			},
			Histograms: map[kbgauth.MetricID][]uint64{
				kbgauth.MetricValidateLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := New(meter, src)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[kbgauth.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
