package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector adapts a Tracker to the Prometheus scrape model. Each scrape
// reads a fresh snapshot; nothing is pre-registered per function.
type Collector struct {
	tracker *Tracker

	calls  *prometheus.Desc
	errors *prometheus.Desc
	total  *prometheus.Desc
	min    *prometheus.Desc
	max    *prometheus.Desc
	mean   *prometheus.Desc
}

// NewCollector wraps tracker for registration with a prometheus.Registerer.
func NewCollector(tracker *Tracker) *Collector {
	labels := []string{"function"}
	return &Collector{
		tracker: tracker,
		calls:   prometheus.NewDesc("mystic_function_calls_total", "Number of tracked calls.", labels, nil),
		errors:  prometheus.NewDesc("mystic_function_errors_total", "Number of tracked calls that raised.", labels, nil),
		total:   prometheus.NewDesc("mystic_function_time_seconds_total", "Cumulative execution time.", labels, nil),
		min:     prometheus.NewDesc("mystic_function_time_seconds_min", "Minimum observed execution time.", labels, nil),
		max:     prometheus.NewDesc("mystic_function_time_seconds_max", "Maximum observed execution time.", labels, nil),
		mean:    prometheus.NewDesc("mystic_function_time_seconds_mean", "Running mean execution time.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.errors
	ch <- c.total
	ch <- c.min
	ch <- c.max
	ch <- c.mean
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for fn, e := range c.tracker.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(e.CallCount), fn)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(e.Errors), fn)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, e.TotalTime.Seconds(), fn)
		ch <- prometheus.MustNewConstMetric(c.min, prometheus.GaugeValue, e.MinTime.Seconds(), fn)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, e.MaxTime.Seconds(), fn)
		ch <- prometheus.MustNewConstMetric(c.mean, prometheus.GaugeValue, e.Mean, fn)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
