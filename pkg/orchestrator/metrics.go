package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseval",
		Name:      "runs_started_total",
		Help:      "Number of evaluation runs started.",
	})
	metricRunsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseval",
		Name:      "runs_completed_total",
		Help:      "Number of evaluation runs that reached COMPLETED.",
	})
	metricRunsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caseval",
		Name:      "runs_failed_total",
		Help:      "Number of evaluation runs that reached FAILED, including superseded runs.",
	})
	metricCasesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caseval",
		Name:      "cases_evaluated_total",
		Help:      "Number of case results produced, labeled by outcome.",
	}, []string{"outcome"})
	metricInvocationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "caseval",
		Name:      "model_invocations_in_flight",
		Help:      "Model-under-test requests currently outstanding.",
	})
)

func recordRunStart() {
	metricRunsStarted.Inc()
}

func recordRunCompletion() {
	metricRunsCompleted.Inc()
}

func recordRunFailure() {
	metricRunsFailed.Inc()
}

func recordCaseOutcome(passed bool, executionError bool) {
	switch {
	case executionError:
		metricCasesEvaluated.WithLabelValues("execution_error").Inc()
	case passed:
		metricCasesEvaluated.WithLabelValues("passed").Inc()
	default:
		metricCasesEvaluated.WithLabelValues("failed").Inc()
	}
}
