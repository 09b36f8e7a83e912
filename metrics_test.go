package keyfold

import (
	"sync"
	"testing"
)

func TestMetricsIncAndValue(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricSignInSuccess)
	m.Inc(MetricSignInSuccess)
	m.Inc(MetricSignInFailure)

	if got := m.Value(MetricSignInSuccess); got != 2 {
		t.Errorf("sign-in success = %d, want 2", got)
	}
	if got := m.Value(MetricSignInFailure); got != 1 {
		t.Errorf("sign-in failure = %d, want 1", got)
	}
	if got := m.Value(MetricSignUpSuccess); got != 0 {
		t.Errorf("untouched counter = %d, want 0", got)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricSignInSuccess)
	if got := m.Value(MetricSignInSuccess); got != 0 {
		t.Errorf("disabled metrics recorded %d", got)
	}
	if m.Enabled() {
		t.Error("Enabled() = true for disabled metrics")
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricSignInSuccess)
	if nilMetrics.Enabled() {
		t.Error("nil metrics reported enabled")
	}
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricSignUpSuccess)

	snap := m.Snapshot()
	if snap.Counters[MetricSignUpSuccess] != 1 {
		t.Fatalf("snapshot = %d, want 1", snap.Counters[MetricSignUpSuccess])
	}
	m.Inc(MetricSignUpSuccess)
	if snap.Counters[MetricSignUpSuccess] != 1 {
		t.Error("snapshot mutated by later increments")
	}
}

func TestMetricsConcurrentIncrements(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 8
	const perWorker = 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricSignInSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricSignInSuccess); got != workers*perWorker {
		t.Errorf("got %d, want %d", got, workers*perWorker)
	}
}
