package kbgauth

import (
	"sync/atomic"
	"time"
)

// MetricID identifies an in-process counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts logins that ended with an issued session.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts password-step failures.
	MetricLoginFailure
	// MetricOTPRequired counts password steps that branched to the passcode step.
	MetricOTPRequired
	// MetricOTPSuccess counts accepted passcodes.
	MetricOTPSuccess
	// MetricOTPFailure counts rejected passcodes.
	MetricOTPFailure
	// MetricOTPReplay counts passcodes rejected because their step was already used.
	MetricOTPReplay
	// MetricLoginChallengeExpired counts passcode submissions against dead challenges.
	MetricLoginChallengeExpired
	// MetricSessionIssued counts sessions handed out by the session issuer.
	MetricSessionIssued
	// MetricAccountCreated counts successful registrations.
	MetricAccountCreated
	// MetricAccountDuplicate counts registrations rejected for a taken email.
	MetricAccountDuplicate
	// MetricPasswordChangeSuccess counts successful password changes.
	MetricPasswordChangeSuccess
	// MetricPasswordChangeInvalidOld counts password changes with a wrong current password.
	MetricPasswordChangeInvalidOld
	// MetricPasswordResetRequest counts reset requests, known email or not.
	MetricPasswordResetRequest
	// MetricPasswordResetMailFailure counts reset mails the transport refused.
	MetricPasswordResetMailFailure
	// MetricPasswordResetConfirmSuccess counts consumed reset tokens.
	MetricPasswordResetConfirmSuccess
	// MetricPasswordResetConfirmFailure counts failed reset consumptions.
	MetricPasswordResetConfirmFailure
	// MetricTOTPEnrollmentStarted counts enrollment starts.
	MetricTOTPEnrollmentStarted
	// MetricTOTPEnabled counts confirmed enrollments.
	MetricTOTPEnabled
	// MetricTOTPDisabled counts 2FA deactivations.
	MetricTOTPDisabled
	// MetricMalformedCredential counts stored credentials that failed to parse.
	MetricMalformedCredential
	// MetricValidateLatency is the latency histogram of full credential validation.
	MetricValidateLatency
	// MetricResetRequestLatency is the latency histogram of reset requests.
	// Known and unknown emails should land in the same buckets.
	MetricResetRequestLatency
	metricIDCount
)

// LatencyBounds are the upper bounds of the latency histogram buckets; a
// final bucket catches everything above the last bound. They are sized for
// one scrypt derivation plus a store round trip.
var LatencyBounds = [LatencyBucketCount - 1]time.Duration{
	25 * time.Millisecond,
	50 * time.Millisecond,
	75 * time.Millisecond,
	100 * time.Millisecond,
	150 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// LatencyBucketCount is the number of buckets per histogram, +Inf included.
const LatencyBucketCount = 8

const cacheLineSize = 64

// histogramSlots maps the metrics that carry a histogram to their slot.
var histogramSlots = map[MetricID]int{
	MetricValidateLatency:     0,
	MetricResetRequestLatency: 1,
}

type latencyHistogram struct {
	buckets [LatencyBucketCount]atomic.Uint64
	sumNano atomic.Int64
}

type paddedCounter struct {
	value atomic.Uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters and latency histograms. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [2]latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters. Histograms hold
// per-bucket (not cumulative) counts; HistogramSums the total observed time.
type MetricsSnapshot struct {
	Counters      map[MetricID]uint64
	Histograms    map[MetricID][]uint64
	HistogramSums map[MetricID]time.Duration
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to counter id.
func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount {
		return
	}
	m.counters[id].value.Add(1)
}

// Observe records d for id. Ids without a histogram are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	slot, ok := histogramSlots[id]
	if !ok {
		return
	}
	h := &m.histograms[slot]
	h.buckets[bucketIndex(d)].Add(1)
	h.sumNano.Add(int64(d))
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].value.Load()
}

// Snapshot copies every counter and, when enabled, the histograms.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:      map[MetricID]uint64{},
		Histograms:    map[MetricID][]uint64{},
		HistogramSums: map[MetricID]time.Duration{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = m.counters[id].value.Load()
	}
	if m.enableLatency {
		for id, slot := range histogramSlots {
			h := &m.histograms[slot]
			buckets := make([]uint64, LatencyBucketCount)
			for i := range buckets {
				buckets[i] = h.buckets[i].Load()
			}
			s.Histograms[id] = buckets
			s.HistogramSums[id] = time.Duration(h.sumNano.Load())
		}
	}
	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range LatencyBounds {
		if d <= bound {
			return i
		}
	}
	return LatencyBucketCount - 1
}
