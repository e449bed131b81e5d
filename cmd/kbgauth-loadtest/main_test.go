package main

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	samples := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(samples, 0); got != 1 {
		t.Fatalf("p0 = %v", got)
	}
	if got := percentile(samples, 50); got != 5 {
		t.Fatalf("p50 = %v", got)
	}
	if got := percentile(samples, 100); got != 10 {
		t.Fatalf("p100 = %v", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("empty = %v", got)
	}
}

func TestRunPhaseCountsEveryOp(t *testing.T) {
	var calls int64
	stats := runPhase(1000, 8, func(_ *rand.Rand, i int) error {
		atomic.AddInt64(&calls, 1)
		if i%10 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	if calls != 1000 || stats.ops != 1000 {
		t.Fatalf("calls=%d ops=%d, want 1000", calls, stats.ops)
	}
	if stats.failures != 100 {
		t.Fatalf("failures=%d, want 100", stats.failures)
	}
}
