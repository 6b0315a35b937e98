package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/":                       "/",
		"/v1/trends":              "/v1/trends",
		"/v1/activities/recent":   "/v1/activities/recent",
		"/v1/hooks/session-start": "/v1/hooks/{hook}",
		"/v1/hooks/tool-metrics":  "/v1/hooks/{hook}",
		"/v1/hooks/":              UnmatchedRoute,
		"/v1/hooks/a/b":           UnmatchedRoute,
		"/health":                 "/health",
		"/wp-admin/login.php":     UnmatchedRoute,
	}
	for path, want := range tests {
		if got := NormalizePath(path); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", path, got, want)
		}
	}
}

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestHTTPMetrics(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	handler := HTTPMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
		}
		_, _ = w.Write([]byte(`{}`))
	}))

	for _, path := range []string{"/v1/hooks/session-start", "/v1/hooks/session-end"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"session_id":"s1"}`))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/trends", nil))

	if got := counterValue(t, metrics.httpRequestsTotal, "POST", "/v1/hooks/{hook}", "202"); got != 2 {
		t.Errorf("hook requests = %v, want 2", got)
	}
	if got := counterValue(t, metrics.httpRequestsTotal, "GET", "/v1/trends", "200"); got != 1 {
		t.Errorf("trend requests = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" && l.GetValue() == "/health" {
					t.Errorf("%s recorded a probe request", f.GetName())
				}
			}
		}
	}
}
