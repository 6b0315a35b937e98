package aggregate

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	m.IncEventsAggregated()
	m.IncClosed(time.Minute)
	m.IncCorrections(time.Minute)
	m.AddOpenBuckets(3)
	m.IncPersistErrors()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() returned error: %v", err)
	}
	expected := map[string]bool{
		MetricEventsAggregated:    false,
		MetricBucketsClosed:       false,
		MetricBucketCorrections:   false,
		MetricBucketsOpen:         false,
		MetricBucketPersistErrors: false,
	}
	for _, f := range families {
		if _, ok := expected[f.GetName()]; ok {
			expected[f.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric %s not found in gathered metrics", name)
		}
	}

	if err := NewMetrics().Register(reg); err == nil {
		t.Error("second Register() should have returned an error")
	}
}

func TestMetrics_ClosedByWidth(t *testing.T) {
	m := NewMetrics()
	m.IncClosed(time.Minute)
	m.IncClosed(time.Minute)
	m.IncClosed(24 * time.Hour)

	tests := []struct {
		width time.Duration
		want  float64
	}{
		{time.Minute, 2},
		{24 * time.Hour, 1},
	}
	for _, tt := range tests {
		c, err := m.bucketsClosed.GetMetricWithLabelValues(tt.width.String())
		if err != nil {
			t.Fatal(err)
		}
		var out dto.Metric
		if err := c.Write(&out); err != nil {
			t.Fatal(err)
		}
		if got := out.GetCounter().GetValue(); got != tt.want {
			t.Errorf("closed[%s] = %v, want %v", tt.width, got, tt.want)
		}
	}
}

func TestCategoryMap(t *testing.T) {
	m := DefaultCategories().Merge(map[string]string{"mcp__db__query": CategoryRead, "Bash": CategoryAgent})
	tests := []struct {
		tool string
		want string
	}{
		{"Edit", CategoryEdit},
		{"Grep", CategorySearch},
		{"mcp__db__query", CategoryRead},
		{"Bash", CategoryAgent},
		{"SomethingNew", CategoryOther},
		{"", CategoryOther},
	}
	for _, tt := range tests {
		if got := m.Category(tt.tool); got != tt.want {
			t.Errorf("Category(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
	if DefaultCategories().Category("Bash") != CategoryExecute {
		t.Error("Merge mutated the receiver")
	}
}
