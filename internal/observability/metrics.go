package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	jobDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	batchSizeBuckets   = []float64{1, 2, 5, 10, 20, 50, 100, 250}
)

// Metrics holds all Prometheus metric instruments for the case engine.
type Metrics struct {
	// Case metrics
	CaseStartsTotal        *prometheus.CounterVec
	CaseEndsTotal          *prometheus.CounterVec
	CaseReactivationsTotal *prometheus.CounterVec
	CasesActive            *prometheus.GaugeVec

	// Plan-item metrics
	PlanItemTransitionsTotal *prometheus.CounterVec
	SentryEvaluationsTotal   *prometheus.CounterVec

	// History metrics
	JournalBatchSize     prometheus.Histogram
	HistoryJobsTotal     *prometheus.CounterVec
	HistoryJobDuration   prometheus.Histogram
	HistoryJobsDeadTotal prometheus.Counter

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Cases
		CaseStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_case_starts_total",
			Help: "Total number of case instance starts.",
		}, []string{"case_definition_id"}),
		CaseEndsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_case_ends_total",
			Help: "Total number of case instance ends.",
		}, []string{"case_definition_id"}),
		CaseReactivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_case_reactivations_total",
			Help: "Total number of case reactivations.",
		}, []string{"case_definition_id"}),
		CasesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagehand_cases_active",
			Help: "Number of active case instances.",
		}, []string{"case_definition_id"}),

		// Plan items
		PlanItemTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_plan_item_transitions_total",
			Help: "Total number of plan-item state transitions.",
		}, []string{"item_type", "transition"}),
		SentryEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_sentry_evaluations_total",
			Help: "Total number of sentry criterion evaluations.",
		}, []string{"outcome"}),

		// History
		JournalBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagehand_journal_batch_size",
			Help:    "Number of history events per committed journal batch.",
			Buckets: batchSizeBuckets,
		}),
		HistoryJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_history_jobs_total",
			Help: "Total number of processed history jobs by outcome.",
		}, []string{"handler_type", "outcome"}),
		HistoryJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagehand_history_job_duration_seconds",
			Help:    "History job processing duration in seconds.",
			Buckets: jobDurationBuckets,
		}),
		HistoryJobsDeadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_history_jobs_dead_total",
			Help: "Total number of dead-lettered history jobs.",
		}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagehand_definitions_loaded",
			Help: "Number of deployed case definitions.",
		}),
	}

	reg.MustRegister(
		// Cases
		m.CaseStartsTotal,
		m.CaseEndsTotal,
		m.CaseReactivationsTotal,
		m.CasesActive,
		// Plan items
		m.PlanItemTransitionsTotal,
		m.SentryEvaluationsTotal,
		// History
		m.JournalBatchSize,
		m.HistoryJobsTotal,
		m.HistoryJobDuration,
		m.HistoryJobsDeadTotal,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
// All helpers tolerate a nil receiver so callers without metrics wired stay
// unconditional.

// RecordCaseStart records a case start.
func (m *Metrics) RecordCaseStart(caseDefinitionID string) {
	if m == nil {
		return
	}
	m.CaseStartsTotal.WithLabelValues(caseDefinitionID).Inc()
	m.CasesActive.WithLabelValues(caseDefinitionID).Inc()
}

// RecordCaseEnd records a case end.
func (m *Metrics) RecordCaseEnd(caseDefinitionID string) {
	if m == nil {
		return
	}
	m.CaseEndsTotal.WithLabelValues(caseDefinitionID).Inc()
	m.CasesActive.WithLabelValues(caseDefinitionID).Dec()
}

// RecordCaseReactivation records a reactivation.
func (m *Metrics) RecordCaseReactivation(caseDefinitionID string) {
	if m == nil {
		return
	}
	m.CaseReactivationsTotal.WithLabelValues(caseDefinitionID).Inc()
	m.CasesActive.WithLabelValues(caseDefinitionID).Inc()
}

// RecordPlanItemTransition records one plan-item state transition.
func (m *Metrics) RecordPlanItemTransition(itemType, transition string) {
	if m == nil {
		return
	}
	m.PlanItemTransitionsTotal.WithLabelValues(itemType, transition).Inc()
}

// RecordSentryEvaluation records one sentry evaluation outcome
// (satisfied, unsatisfied, or error).
func (m *Metrics) RecordSentryEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.SentryEvaluationsTotal.WithLabelValues(outcome).Inc()
}

// RecordJournalBatch records the size of a committed journal batch.
func (m *Metrics) RecordJournalBatch(events int) {
	if m == nil {
		return
	}
	m.JournalBatchSize.Observe(float64(events))
}

// RecordHistoryJob records a processed history job.
func (m *Metrics) RecordHistoryJob(handlerType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HistoryJobsTotal.WithLabelValues(handlerType, outcome).Inc()
	m.HistoryJobDuration.Observe(duration.Seconds())
}

// RecordHistoryJobDead records a dead-lettered history job.
func (m *Metrics) RecordHistoryJobDead() {
	if m == nil {
		return
	}
	m.HistoryJobsDeadTotal.Inc()
}

// SetDefinitionsLoaded sets the number of deployed case definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
