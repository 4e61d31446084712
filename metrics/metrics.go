// Package metrics exposes the settlement pipeline's status surface as
// Prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bounty-settlement/core/settlement"
)

const namespace = "settlement"

// Metrics owns its registry so tests can create as many as they like.
type Metrics struct {
	registry        *prometheus.Registry
	tasks           *prometheus.GaugeVec
	stalled         prometheus.Gauge
	judgedRecently  prometheus.Gauge
	scheduledTimers prometheus.Gauge
	claims          *prometheus.CounterVec
	judgements      *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	judgeLatency    prometheus.Histogram
	transferLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks by status.",
		}, []string{"status"}),
		stalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_stalled",
			Help:      "Tasks flagged for manual intervention.",
		}),
		judgedRecently: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_judged_recently",
			Help:      "Tasks judged within the reporting window.",
		}),
		scheduledTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_timers",
			Help:      "Deadline timers currently registered in this process.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Completion triggers by source and whether they won the claim.",
		}, []string{"trigger", "result"}),
		judgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judgements_total",
			Help:      "Judging outcomes by path.",
		}, []string{"path"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_attempts_total",
			Help:      "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		judgeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "judge_duration_seconds",
			Help:      "Judge service call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		transferLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Ledger transfer latency including confirmation wait.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	m.registry.MustRegister(
		m.tasks, m.stalled, m.judgedRecently, m.scheduledTimers,
		m.claims, m.judgements, m.settlements, m.judgeLatency, m.transferLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveStats mirrors a status snapshot into the gauges.
func (m *Metrics) ObserveStats(s settlement.Stats) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(settlement.StatusOpen)).Set(float64(s.Open))
	m.tasks.WithLabelValues(string(settlement.StatusJudging)).Set(float64(s.Judging))
	m.tasks.WithLabelValues(string(settlement.StatusPaymentPending)).Set(float64(s.PaymentPending))
	m.tasks.WithLabelValues(string(settlement.StatusCompleted)).Set(float64(s.Completed))
	m.tasks.WithLabelValues(string(settlement.StatusCancelled)).Set(float64(s.Cancelled))
	m.stalled.Set(float64(s.Stalled))
	m.judgedRecently.Set(float64(s.JudgedRecently))
	m.scheduledTimers.Set(float64(s.ScheduledTimer))
}

// Claim counts a completion trigger.
func (m *Metrics) Claim(trigger string, won bool) {
	if m == nil {
		return
	}
	result := "noop"
	if won {
		result = "claimed"
	}
	m.claims.WithLabelValues(trigger, result).Inc()
}

// Judgement counts a judging outcome; path is judge, fallback or no_winner.
func (m *Metrics) Judgement(path string) {
	if m == nil {
		return
	}
	m.judgements.WithLabelValues(path).Inc()
}

func (m *Metrics) JudgeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.judgeLatency.Observe(d.Seconds())
}

// Settlement counts one settlement attempt outcome.
func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TransferDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.transferLatency.Observe(d.Seconds())
}
