// Package stats records relay outcomes. Every call is fire-and-forget.
package stats

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives one event per delivery outcome.
type Sink interface {
	Delivered(taskID string, latency time.Duration)
	Failed(taskID string, permanent bool)
	Filtered(taskID, stage string)
	Dropped(where string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Delivered(string, time.Duration) {}
func (Nop) Failed(string, bool)             {}
func (Nop) Filtered(string, string)         {}
func (Nop) Dropped(string)                  {}

// Drop points reported through Sink.Dropped.
const (
	DropIngest  = "ingest"
	DropTask    = "task_queue"
	DropStopped = "stopped"
	DropCircuit = "circuit_open"
)

// Collector is the Prometheus Sink.
type Collector struct {
	delivered *prometheus.CounterVec
	failed    *prometheus.CounterVec
	filtered  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	latency   prometheus.Histogram
}

var _ Sink = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_delivered_total",
			Help: "Posts delivered, per task.",
		}, []string{"task"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_failed_total",
			Help: "Deliveries given up on, per task and failure class.",
		}, []string{"task", "class"}),
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_filtered_total",
			Help: "Posts filtered out by a pipeline stage.",
		}, []string{"task", "stage"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_dropped_total",
			Help: "Posts dropped under overload, per drop point.",
		}, []string{"where"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrelay_delivery_latency_seconds",
			Help:    "Time from receiving a post to delivering it.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(c.delivered, c.failed, c.filtered, c.dropped, c.latency)
	return c
}

func (c *Collector) Delivered(taskID string, latency time.Duration) {
	c.delivered.WithLabelValues(taskID).Inc()
	if latency > 0 {
		c.latency.Observe(latency.Seconds())
	}
}

func (c *Collector) Failed(taskID string, permanent bool) {
	class := "transient"
	if permanent {
		class = "permanent"
	}
	c.failed.WithLabelValues(taskID, class).Inc()
}

func (c *Collector) Filtered(taskID, stage string) {
	c.filtered.WithLabelValues(taskID, stage).Inc()
}

func (c *Collector) Dropped(where string) {
	c.dropped.WithLabelValues(where).Inc()
}

// RegisterGauge exposes a live value, such as a queue depth, read on scrape.
func RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
