// Package metrics exposes Prometheus metrics of the survey orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "surveypipe"

// Collector holds the metric vectors on a private registry. A nil *Collector is valid and
// records nothing, so components can take one optionally.
type Collector struct {
	registry *prometheus.Registry

	EventsHandled     *prometheus.CounterVec
	HandleDuration    prometheus.Histogram
	EffectsDispatched *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	OutboxEnqueued    prometheus.Counter
}

// New creates a Collector with its own registry.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		EventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound webhook events by handling reason.",
		}, []string{"reason", "accepted"}),
		HandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one inbound event.",
			Buckets:   prometheus.DefBuckets,
		}),
		EffectsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effects_total",
			Help:      "Side effects by kind and status (ok, failed, skipped).",
		}, []string{"kind", "status"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Persisted transitions by target state.",
		}, []string{"to"}),
		OutboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_enqueued_total",
			Help:      "Best-effort effects deferred to the outbox.",
		}),
	}
	reg.MustRegister(c.EventsHandled, c.HandleDuration, c.EffectsDispatched, c.Transitions, c.OutboxEnqueued)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEvent counts one handled event and its latency.
func (c *Collector) RecordEvent(reason string, accepted bool, took time.Duration) {
	if c == nil {
		return
	}
	acc := "false"
	if accepted {
		acc = "true"
	}
	c.EventsHandled.WithLabelValues(reason, acc).Inc()
	c.HandleDuration.Observe(took.Seconds())
}

// RecordEffect counts one side effect outcome.
func (c *Collector) RecordEffect(kind, status string) {
	if c == nil {
		return
	}
	c.EffectsDispatched.WithLabelValues(kind, status).Inc()
}

// RecordTransition counts a persisted transition.
func (c *Collector) RecordTransition(to string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(to).Inc()
}

// RecordOutboxEnqueue counts a deferred best-effort effect.
func (c *Collector) RecordOutboxEnqueue() {
	if c == nil {
		return
	}
	c.OutboxEnqueued.Inc()
}
