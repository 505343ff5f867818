// Package metrics exposes Prometheus collectors for intake, workflow and
// cycle activity, plus the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefloop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "briefloop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	intakeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefloop_intake_records_total",
			Help: "Intake create-or-reuse calls by outcome",
		},
		[]string{"outcome"},
	)

	intakeAnswerSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefloop_intake_answer_saves_total",
			Help: "Answer writes by mode and result",
		},
		[]string{"mode", "result"},
	)

	intakeFocusClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefloop_intake_focus_claims_total",
			Help: "Focus claims by role",
		},
		[]string{"role"},
	)

	intakeValidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "briefloop_intake_validations_total",
			Help: "Intake records moved to COMPLETED",
		},
	)

	intakeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "briefloop_intake_subscribers",
			Help: "Live intake record subscriptions",
		},
	)

	workflowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefloop_workflow_transitions_total",
			Help: "Project workflow transitions by trigger and target stage",
		},
		[]string{"trigger", "stage"},
	)

	cycleStage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "briefloop_cycle_stage",
			Help: "1 for the current autopilot stage, 0 otherwise",
		},
		[]string{"stage"},
	)

	cycleNumber = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "briefloop_cycle_number",
			Help: "Current autopilot cycle number",
		},
	)

	cycleRolloversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefloop_cycle_rollovers_total",
			Help: "Rollover attempts by result",
		},
		[]string{"result"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "briefloop_generation_duration_seconds",
			Help:    "Content generation call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	statusClass := "unknown"
	if status >= 100 && status < 600 {
		statusClass = strconv.Itoa(status/100) + "xx"
	}
	httpRequestsTotal.WithLabelValues(method, route, statusClass).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIntake counts a create-or-reuse call; outcome is "created" or "reused".
func RecordIntake(outcome string) {
	intakeRecordsTotal.WithLabelValues(outcome).Inc()
}

func RecordAnswerSave(mode string, err error) {
	intakeAnswerSavesTotal.WithLabelValues(mode, result(err)).Inc()
}

func RecordFocusClaim(role string) {
	intakeFocusClaimsTotal.WithLabelValues(role).Inc()
}

func RecordValidation() {
	intakeValidationsTotal.Inc()
}

func AddSubscribers(delta int) {
	intakeSubscribers.Add(float64(delta))
}

func RecordWorkflowTransition(trigger, stage string) {
	workflowTransitionsTotal.WithLabelValues(trigger, stage).Inc()
}

// SetCycle publishes the current stage as a one-hot gauge over stages.
func SetCycle(stage string, number int, stages []string) {
	for _, s := range stages {
		v := 0.0
		if s == stage {
			v = 1
		}
		cycleStage.WithLabelValues(s).Set(v)
	}
	cycleNumber.Set(float64(number))
}

func RecordRollover(err error) {
	cycleRolloversTotal.WithLabelValues(result(err)).Inc()
}

func RecordGeneration(err error, duration time.Duration) {
	generationDuration.WithLabelValues(result(err)).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
