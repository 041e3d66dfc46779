// Package metrics exports the engine's Prometheus collectors. A single
// Metrics value implements every observer port the engine exposes.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qahub/reputation-engine/pkg/circuitbreaker"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "reputation"

// Metrics holds the engine collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	eventsRecorded   *prometheus.CounterVec
	rankChanges      *prometheus.CounterVec
	driftCorrections prometheus.Counter

	busPublished   *prometheus.CounterVec
	busHandlerTime *prometheus.HistogramVec
	busHandlerErrs *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec

	notifyDropped   *prometheus.CounterVec
	notifyDelivered prometheus.Histogram
	notifyFailed    prometheus.Counter

	messagesHandled *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	breakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry with the Go and process collectors.
func New(namespace string, reg *prometheus.Registry) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		gatherer: reg,
		eventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Point events accepted by recordEvent/adjustPoints.",
		}, []string{"event_type", "duplicate"}),
		rankChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_changes_total",
			Help:      "Rank transitions caused by applied events.",
		}, []string{"from", "to"}),
		driftCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_drift_corrections_total",
			Help:      "Aggregates rewritten by reconciliation.",
		}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Domain events published on the in-process bus.",
		}, []string{"event_type"}),
		busHandlerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_duration_seconds",
			Help:      "Event handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		busHandlerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Event handlers that returned an error or panicked.",
		}, []string{"event_type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Items waiting in in-process queues.",
		}, []string{"queue"}),
		notifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dropped_total",
			Help:      "Unlock notifications not queued.",
		}, []string{"reason"}),
		notifyDelivered: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "delivery_duration_seconds",
			Help:      "Time from enqueue to successful delivery.",
			Buckets:   prometheus.DefBuckets,
		}),
		notifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "failed_total",
			Help:      "Unlock notifications moved to the dead letter queue.",
		}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Kafka action messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions.",
		}, []string{"job", "success"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job latency.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		}, []string{"job"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{
		m.eventsRecorded, m.rankChanges, m.driftCorrections,
		m.busPublished, m.busHandlerTime, m.busHandlerErrs, m.queueDepth,
		m.notifyDropped, m.notifyDelivered, m.notifyFailed,
		m.messagesHandled, m.jobRuns, m.jobDuration, m.breakerState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the backing registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.gatherer }

// ── command.Metrics ──

// EventRecorded counts an accepted event.
func (m *Metrics) EventRecorded(eventType string, duplicate bool) {
	m.eventsRecorded.WithLabelValues(eventType, strconv.FormatBool(duplicate)).Inc()
}

// RankChanged counts a rank transition.
func (m *Metrics) RankChanged(from, to string) {
	m.rankChanges.WithLabelValues(from, to).Inc()
}

// DriftCorrected counts a reconciliation rewrite.
func (m *Metrics) DriftCorrected() { m.driftCorrections.Inc() }

// ── messaging.Observer ──

// EventPublished counts a bus publish.
func (m *Metrics) EventPublished(eventType string) {
	m.busPublished.WithLabelValues(eventType).Inc()
}

// HandlerFinished observes one handler run.
func (m *Metrics) HandlerFinished(eventType string, took time.Duration, err error) {
	m.busHandlerTime.WithLabelValues(eventType).Observe(took.Seconds())
	if err != nil {
		m.busHandlerErrs.WithLabelValues(eventType).Inc()
	}
}

// QueueDepth sets the depth of a named queue.
func (m *Metrics) QueueDepth(name string, depth int) {
	m.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// ── messaging.DispatcherObserver ──

// NotificationDropped counts a notification that was not queued.
func (m *Metrics) NotificationDropped(reason string) {
	m.notifyDropped.WithLabelValues(reason).Inc()
}

// NotificationDelivered observes a delivered notification.
func (m *Metrics) NotificationDelivered(took time.Duration) {
	m.notifyDelivered.Observe(took.Seconds())
}

// NotificationFailed counts a dead-lettered notification.
func (m *Metrics) NotificationFailed() { m.notifyFailed.Inc() }

// ── kafka.ConsumerObserver ──

// MessageHandled counts an ingest message outcome.
func (m *Metrics) MessageHandled(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	m.messagesHandled.WithLabelValues(kind, outcome).Inc()
}

// ── scheduler.JobObserver ──

// JobFinished observes a scheduled job run.
func (m *Metrics) JobFinished(job string, took time.Duration, err error) {
	m.jobRuns.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ── circuit breakers ──

// BreakerStateChanged matches the circuit breaker OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}
