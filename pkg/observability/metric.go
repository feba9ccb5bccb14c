package observability

// MetricType identifies how a Metric is aggregated by a collector.
type MetricType string

const (
	// MetricCounter values are added to a monotonically increasing counter.
	MetricCounter MetricType = "counter"
	// MetricHistogram values are observed into a histogram.
	MetricHistogram MetricType = "histogram"
)

// Metric is a single measurement emitted by the remediator.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives measurements and aggregates them.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(m Metric) {
	f(m)
}

// Counter is a convenience constructor for a counter increment of one.
func Counter(name, description string, labels map[string]string) Metric {
	return Metric{Name: name, Type: MetricCounter, Value: 1, Labels: labels, Description: description}
}

// Seconds is a convenience constructor for a histogram observation in seconds.
func Seconds(name, description string, value float64, labels map[string]string) Metric {
	return Metric{Name: name, Type: MetricHistogram, Value: value, Labels: labels, Description: description, Unit: "seconds"}
}
