package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const prometheusNamespace = "notready_remediator"

// reboot attempts range from sub-second dry runs to a 30s dial timeout plus command time.
var attemptBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type registeredVec struct {
	labels    []string
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// PrometheusCollector translates Metric values into Prometheus metrics on a dedicated registry.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	vecs     map[string]*registeredVec
}

// NewPrometheusCollector builds a collector backed by its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		vecs:     make(map[string]*registeredVec),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	if metric.Type != MetricCounter && metric.Type != MetricHistogram {
		return
	}

	labels := cloneLabels(metric.Labels)
	names := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.vecs[metric.Name]
	if !ok {
		var err error
		vec, err = c.register(metric, names)
		if err != nil {
			return
		}
		c.vecs[metric.Name] = vec
	}
	// A label set differing from the first registration would panic inside client_golang.
	if !equalStringSlices(vec.labels, names) {
		return
	}

	switch {
	case vec.counter != nil && metric.Type == MetricCounter:
		value := metric.Value
		if value < 0 {
			value = 0
		}
		vec.counter.With(labels).Add(value)
	case vec.histogram != nil && metric.Type == MetricHistogram:
		vec.histogram.With(labels).Observe(metric.Value)
	}
}

func (c *PrometheusCollector) register(metric Metric, labelNames []string) (*registeredVec, error) {
	vec := &registeredVec{labels: labelNames}
	var collector prometheus.Collector

	if metric.Type == MetricCounter {
		vec.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
		collector = vec.counter
	} else {
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
			Buckets:   attemptBuckets,
		}
		if metric.Unit != "" {
			opts.ConstLabels = prometheus.Labels{"unit": metric.Unit}
		}
		vec.histogram = prometheus.NewHistogramVec(opts, labelNames)
		collector = vec.histogram
	}

	if err := c.registry.Register(collector); err != nil {
		return nil, err
	}
	return vec, nil
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registry over HTTP for the long-running serve mode.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Push sends the registry to a Prometheus Pushgateway. One-shot runs are
// short-lived batch jobs, so scraping them is not an option.
func (c *PrometheusCollector) Push(ctx context.Context, url, job string) error {
	if c == nil {
		return errors.New("prometheus collector is nil")
	}
	if strings.TrimSpace(url) == "" {
		return errors.New("pushgateway url must not be empty")
	}
	if strings.TrimSpace(job) == "" {
		job = prometheusNamespace
	}
	if err := push.New(url, job).Gatherer(c.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
