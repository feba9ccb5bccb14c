package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusCollectorCounter(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Metric{
		Name:        "node_outcomes_total",
		Type:        MetricCounter,
		Value:       2,
		Labels:      map[string]string{"result": "failed", "cause": "unmapped"},
		Description: "Per-node remediation outcomes.",
	})
	collector.Collect(Counter("node_outcomes_total", "", map[string]string{"result": "failed", "cause": "unmapped"}))

	metric := gatherMetric(t, collector, "notready_remediator_node_outcomes_total")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single metric sample, got %d", len(metric.Metric))
	}
	if got := metric.Metric[0].GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected counter value 3, got %v", got)
	}
	if got := metric.GetHelp(); got != "Per-node remediation outcomes." {
		t.Fatalf("unexpected help text %q", got)
	}
}

func TestPrometheusCollectorHistogram(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Seconds("reboot_attempt_seconds", "attempt latency", 1.5, map[string]string{"result": "success"}))
	collector.Collect(Seconds("reboot_attempt_seconds", "", 2.5, map[string]string{"result": "success"}))

	metric := gatherMetric(t, collector, "notready_remediator_reboot_attempt_seconds")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single histogram sample, got %d", len(metric.Metric))
	}
	sample := metric.Metric[0]
	if got := sample.GetHistogram().GetSampleCount(); got != 2 {
		t.Fatalf("expected sample count 2, got %v", got)
	}
	if got := sample.GetHistogram().GetSampleSum(); got < 3.99 || got > 4.01 {
		t.Fatalf("expected sum close to 4.0, got %v", got)
	}
	var foundUnit bool
	for _, label := range sample.GetLabel() {
		if label.GetName() == "unit" && label.GetValue() == "seconds" {
			foundUnit = true
		}
	}
	if !foundUnit {
		t.Fatalf("expected unit label, got %+v", sample.GetLabel())
	}
}

func TestPrometheusCollectorIgnoresMismatchedLabels(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Counter("reboot_attempts_total", "", map[string]string{"result": "success"}))
	collector.Collect(Counter("reboot_attempts_total", "", map[string]string{"result": "success", "node": "w1"}))

	metric := gatherMetric(t, collector, "notready_remediator_reboot_attempts_total")
	if len(metric.Metric) != 1 {
		t.Fatalf("expected single metric after mismatch attempt, got %d", len(metric.Metric))
	}
	if got := metric.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}
}

func TestPrometheusCollectorIgnoresTypeChange(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Counter("runs_total", "", nil))
	collector.Collect(Seconds("runs_total", "", 4, nil))

	metric := gatherMetric(t, collector, "notready_remediator_runs_total")
	if metric.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("expected counter type to be kept, got %v", metric.GetType())
	}
}

func TestPrometheusCollectorHandlerServesMetrics(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.Collect(Counter("unready_nodes_total", "", nil))

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "notready_remediator_unready_nodes_total 1") {
		t.Fatalf("expected counter in body, got %s", rec.Body.String())
	}
}

func TestPrometheusCollectorPush(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(payload)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	collector := NewPrometheusCollector()
	collector.Collect(Counter("runs_total", "", map[string]string{"result": "completed"}))

	if err := collector.Push(context.Background(), server.URL, "remediator-test"); err != nil {
		t.Fatalf("push: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Fatalf("expected PUT, got %s", method)
	}
	if path != "/metrics/job/remediator-test" {
		t.Fatalf("unexpected push path %s", path)
	}
	if len(body) == 0 {
		t.Fatal("expected pushed payload")
	}
}

func TestPrometheusCollectorPushRequiresURL(t *testing.T) {
	if err := NewPrometheusCollector().Push(context.Background(), " ", "job"); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func gatherMetric(t *testing.T, collector *PrometheusCollector, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
