package backend

import (
	"github.com/prometheus/client_golang/prometheus"

	"nnbackend/internal/events"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nnbackend",
			Subsystem: "backend",
			Name:      "events_total",
			Help:      "Backend events by name",
		},
		[]string{"event"},
	)

	slotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nnbackend",
			Subsystem: "slots",
			Name:      "in_use",
			Help:      "Slots currently granted",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nnbackend",
			Subsystem: "slots",
			Name:      "queue_depth",
			Help:      "Requests waiting for a slot",
		},
	)

	stopReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nnbackend",
			Subsystem: "inference",
			Name:      "stops_total",
			Help:      "Completed generations by stop reason",
		},
		[]string{"reason"},
	)

	inferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nnbackend",
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Duration of completed generations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nnbackend",
			Subsystem: "inference",
			Name:      "tokens_total",
			Help:      "Tokens observed by completed generations",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, slotsInUse, queueDepth, stopReasonsTotal, inferenceDuration, tokensTotal)
}

// metricsPublisher updates collectors from events, then forwards them.
type metricsPublisher struct {
	next events.Publisher
}

func newMetricsPublisher(next events.Publisher) events.Publisher {
	return metricsPublisher{next: next}
}

func (p metricsPublisher) Publish(e events.Event) {
	eventsTotal.WithLabelValues(e.Name).Inc()
	if v, ok := e.Fields["in_use"].(int); ok {
		slotsInUse.Set(float64(v))
	}
	if v, ok := e.Fields["queued"].(int); ok {
		queueDepth.Set(float64(v))
	}
	if e.Name == "inference_completed" {
		if r, ok := e.Fields["reason"].(string); ok {
			stopReasonsTotal.WithLabelValues(r).Inc()
		}
		if n, ok := e.Fields["tokens"].(int); ok {
			tokensTotal.Add(float64(n))
		}
		if s, ok := e.Fields["elapsed_seconds"].(float64); ok {
			inferenceDuration.Observe(s)
		}
	}
	p.next.Publish(e)
}
