package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the settlement engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	ledgerPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "ledger",
			Name:      "posts_total",
			Help:      "Ledger posts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	ledgerDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "ledger",
			Name:      "reconcile_drift_total",
			Help:      "Accounts whose balance disagreed with their transaction log.",
		},
	)

	cycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "cycle",
			Name:      "transitions_total",
			Help:      "Applied cycle transitions by target state.",
		},
		[]string{"from", "to"},
	)

	illegalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "cycle",
			Name:      "illegal_transitions_total",
			Help:      "Transition requests ignored because the cycle was in another state.",
		},
		[]string{"event"},
	)

	escrowResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "escrow",
			Name:      "resolutions_total",
			Help:      "Escrow resolutions by status and whether this call applied it.",
		},
		[]string{"status", "applied"},
	)

	fraudDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "fraud",
			Name:      "decisions_total",
			Help:      "Fraud gate verdicts.",
		},
		[]string{"decision"},
	)

	matchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "matcher",
			Name:      "outcomes_total",
			Help:      "Match requests by outcome.",
		},
		[]string{"outcome"},
	)

	triggerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "scheduler",
			Name:      "trigger_runs_total",
			Help:      "Trigger executions by type and outcome.",
		},
		[]string{"trigger_type", "outcome"},
	)

	triggerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Subsystem: "scheduler",
			Name:      "trigger_duration_seconds",
			Help:      "Duration of trigger handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"trigger_type"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Cron maintenance job runs.",
		},
		[]string{"job", "success"},
	)

	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox relay attempts by routing key and result.",
		},
		[]string{"routing_key", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerPosts,
		ledgerDrift,
		cycleTransitions,
		illegalTransitions,
		escrowResolutions,
		fraudDecisions,
		matchOutcomes,
		triggerRuns,
		triggerDuration,
		jobRuns,
		outboxPublished,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordLedgerPost(kind string, err error) {
	ledgerPosts.WithLabelValues(kind, result(err)).Inc()
}

func RecordLedgerDrift() {
	ledgerDrift.Inc()
}

func RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	cycleTransitions.WithLabelValues(from, to).Inc()
}

func RecordIllegalTransition(event string) {
	illegalTransitions.WithLabelValues(event).Inc()
}

func RecordEscrowResolution(status string, applied bool) {
	escrowResolutions.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

func RecordFraudDecision(decision string) {
	fraudDecisions.WithLabelValues(decision).Inc()
}

func RecordMatchOutcome(outcome string) {
	matchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTriggerRun records one trigger handler execution.
func RecordTriggerRun(triggerType, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	triggerRuns.WithLabelValues(triggerType, outcome).Inc()
	triggerDuration.WithLabelValues(triggerType).Observe(duration.Seconds())
}

func RecordJobRun(job string, success bool) {
	if job == "" {
		job = "unknown"
	}
	jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
}

func RecordOutboxPublish(routingKey string, err error) {
	outboxPublished.WithLabelValues(routingKey, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "cycles":
		if len(parts) >= 3 {
			return "/cycles/:id/" + parts[2]
		}
		if len(parts) == 2 {
			return "/cycles/:id"
		}
	case "accounts":
		if len(parts) >= 3 {
			return "/accounts/:user/" + parts[2]
		}
	case "internal":
		if len(parts) >= 2 {
			return "/internal/" + parts[1]
		}
	}
	return "/" + parts[0]
}
