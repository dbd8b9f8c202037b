package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session status label values.
var sessionStatuses = []string{"running", "paused", "stopped", "failed"}

// Metrics holds the run's Prometheus collectors on a private registry, so several
// runs (or tests) in one process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	votesTotal      *prometheus.CounterVec
	challengesTotal *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	sessionStatus   *prometheus.GaugeVec
	detectDuration  prometheus.Histogram
	cycleDuration   prometheus.Histogram
	historicalVotes prometheus.Gauge
}

// NewMetrics creates and registers every collector under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		votesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Confirmed votes per session.",
		}, []string{"session"}),
		challengesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Challenge occurrences by outcome.",
		}, []string{"outcome"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Progress events by kind.",
		}, []string{"kind"}),
		sessionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current status of each session, 0 otherwise.",
		}, []string{"session", "status"}),
		detectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Time spent classifying a page.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one interaction cycle.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		historicalVotes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "historical_votes",
			Help:      "Votes recorded by earlier runs, loaded at startup.",
		}),
	}
}

func (m *Metrics) RecordVote(sessionID string) {
	m.votesTotal.WithLabelValues(sessionID).Inc()
}

func (m *Metrics) RecordChallenge(outcome string) {
	m.challengesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEvent(kind string) {
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// SetSessionStatus flips the one-hot status gauge for a session.
func (m *Metrics) SetSessionStatus(sessionID, status string) {
	for _, s := range sessionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.sessionStatus.WithLabelValues(sessionID, s).Set(v)
	}
}

func (m *Metrics) ObserveDetect(d time.Duration) {
	m.detectDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetHistoricalVotes(n int64) {
	m.historicalVotes.Set(float64(n))
}

// Registry exposes the private registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
