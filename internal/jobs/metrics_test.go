package jobs

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, vec *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("second Register() should fail with duplicate collectors")
	}

	m.IncJobsTotal(JobTypeBucketClose, StatusSuccess)
	m.ObserveJobDuration(JobTypeBucketClose, 0.02)
	m.IncJobErrors(JobTypeBucketClose, ErrorTypeCycle)
	m.SetLastSuccess(JobTypeBucketClose, time.Unix(1_700_000_000, 0))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, name := range []string{MetricJobRunsTotal, MetricJobRunDuration, MetricJobErrorsTotal, MetricJobLastSuccessStamp} {
		if !seen[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestMetrics_LastSuccess(t *testing.T) {
	m := NewMetrics()
	at := time.Date(2026, 3, 2, 12, 0, 0, 500_000_000, time.UTC)
	m.SetLastSuccess(JobTypeReplayDrain, at)

	want := float64(at.Unix()) + 0.5
	if got := gaugeValue(t, m.lastSuccess, JobTypeReplayDrain); math.Abs(got-want) > 1e-3 {
		t.Errorf("last success = %f, want %f", got, want)
	}
	if got := gaugeValue(t, m.lastSuccess, JobTypeSessionPrune); got != 0 {
		t.Errorf("untouched job type = %f, want 0", got)
	}
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	m := NewMetrics()
	types := []string{JobTypeBucketClose, JobTypeScoreRecompute, JobTypeReplayDrain, JobTypeSessionPrune, JobTypeRateLimitCleanup}

	var wg sync.WaitGroup
	for _, jt := range types {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(jt string) {
				defer wg.Done()
				m.IncJobsTotal(jt, StatusSuccess)
				m.ObserveJobDuration(jt, 0.001)
			}(jt)
		}
	}
	wg.Wait()

	for _, jt := range types {
		if got := counterValue(t, m.runs, jt, StatusSuccess); got != 20 {
			t.Errorf("%s runs = %f, want 20", jt, got)
		}
		if got := histogramCount(t, m.duration, jt); got != 20 {
			t.Errorf("%s duration samples = %d, want 20", jt, got)
		}
	}
}
