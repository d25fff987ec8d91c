package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devrel"

type moduleMetrics struct {
	queueDepth     *prometheus.GaugeVec
	enqueueTotal   *prometheus.CounterVec
	taskTotal      *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	taskWait       *prometheus.HistogramVec
	workersBusy    prometheus.Gauge
	laneResetTotal prometheus.Counter

	eventsDispatched *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec

	activeSessions prometheus.Gauge
	transcriptSave prometheus.Histogram

	supervisorIterations prometheus.Histogram
	decisionsTotal       *prometheus.CounterVec
	malformedDecisions   *prometheus.CounterVec

	actionTotal    *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	actionRetries  *prometheus.CounterVec

	workflowTransitions *prometheus.CounterVec
	workflowPaused      prometheus.Gauge
	checkpointOps       *prometheus.CounterVec
	checkpointsReaped   prometheus.Counter

	reasoningTotal    *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec
	providerCooldown  *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "queue_depth",
				Help: "Current work queue depth by priority.",
			}, []string{"priority"}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "queue_enqueue_total",
				Help: "Total enqueued tasks by handler and priority.",
			}, []string{"handler", "priority"}),
			taskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "queue_task_total",
				Help: "Total processed tasks by handler and status.",
			}, []string{"handler", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "queue_task_duration_seconds",
				Help:    "Handler execution duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}, []string{"handler"}),
			taskWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "queue_task_wait_seconds",
				Help:    "Time between enqueue and claim in seconds by priority.",
				Buckets: prometheus.DefBuckets,
			}, []string{"priority"}),
			workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "queue_workers_busy",
				Help: "Workers currently running a handler.",
			}),
			laneResetTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "session_lane_reset_total",
				Help: "Session lanes reset on teardown.",
			}),
			eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "events_dispatched_total",
				Help: "Events dispatched by type and mode.",
			}, []string{"type", "mode"}),
			handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "event_handler_errors_total",
				Help: "Event handler errors and panics by type.",
			}, []string{"type"}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "active_sessions",
				Help: "Live sessions held in memory.",
			}),
			transcriptSave: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "transcript_save_duration_seconds",
				Help:    "Transcript append duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			supervisorIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "supervisor_iterations",
				Help:    "Loop passes per supervisor run.",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			}),
			decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "supervisor_decisions_total",
				Help: "Supervisor decisions by action.",
			}, []string{"action"}),
			malformedDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "supervisor_malformed_decisions_total",
				Help: "Decisions replaced by the complete fallback, by protocol.",
			}, []string{"protocol"}),
			actionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "action_execution_total",
				Help: "Action executions by action and status.",
			}, []string{"action", "status"}),
			actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "action_execution_duration_seconds",
				Help:    "Action execution duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}, []string{"action"}),
			actionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "action_retries_total",
				Help: "Retried action attempts by action.",
			}, []string{"action"}),
			workflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "workflow_transitions_total",
				Help: "Confirmation workflow node entries.",
			}, []string{"node"}),
			workflowPaused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "workflow_paused",
				Help: "Confirmation workflows currently paused.",
			}),
			checkpointOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "checkpoint_operations_total",
				Help: "Checkpoint store operations by backend, op and status.",
			}, []string{"backend", "op", "status"}),
			checkpointsReaped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "checkpoints_reaped_total",
				Help: "Expired checkpoints removed by the reaper.",
			}),
			reasoningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "reasoning_calls_total",
				Help: "Reasoning engine calls by provider and status.",
			}, []string{"provider", "status"}),
			reasoningDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "reasoning_call_duration_seconds",
				Help:    "Reasoning engine call duration by provider.",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider"}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "provider_cooldown_active",
				Help: "Provider cooldown active state (1 active, 0 inactive).",
			}, []string{"provider"}),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.taskTotal,
			m.taskDuration,
			m.taskWait,
			m.workersBusy,
			m.laneResetTotal,
			m.eventsDispatched,
			m.handlerErrors,
			m.activeSessions,
			m.transcriptSave,
			m.supervisorIterations,
			m.decisionsTotal,
			m.malformedDecisions,
			m.actionTotal,
			m.actionDuration,
			m.actionRetries,
			m.workflowTransitions,
			m.workflowPaused,
			m.checkpointOps,
			m.checkpointsReaped,
			m.reasoningTotal,
			m.reasoningDuration,
			m.providerCooldown,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordEnqueue(handler, priority string) {
	getMetrics().enqueueTotal.WithLabelValues(handler, priority).Inc()
}

func SetQueueDepth(priority string, depth int) {
	getMetrics().queueDepth.WithLabelValues(priority).Set(float64(depth))
}

func RecordTaskWait(priority string, wait time.Duration) {
	getMetrics().taskWait.WithLabelValues(priority).Observe(wait.Seconds())
}

func RecordTaskCompletion(handler string, duration time.Duration, success bool) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(handler, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

func SetWorkersBusy(n int) {
	getMetrics().workersBusy.Set(float64(n))
}

func RecordLaneReset() {
	getMetrics().laneResetTotal.Inc()
}

func RecordEventDispatch(eventType, mode string) {
	getMetrics().eventsDispatched.WithLabelValues(eventType, mode).Inc()
}

func RecordEventHandlerError(eventType string) {
	getMetrics().handlerErrors.WithLabelValues(eventType).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordTranscriptSave(duration time.Duration) {
	getMetrics().transcriptSave.Observe(duration.Seconds())
}

func RecordSupervisorRun(iterations int) {
	getMetrics().supervisorIterations.Observe(float64(iterations))
}

func RecordDecision(action string) {
	getMetrics().decisionsTotal.WithLabelValues(action).Inc()
}

func RecordMalformedDecision(protocol string) {
	getMetrics().malformedDecisions.WithLabelValues(protocol).Inc()
}

func RecordActionExecution(action string, duration time.Duration, success bool) {
	m := getMetrics()
	m.actionTotal.WithLabelValues(action, statusLabel(success)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func RecordActionRetry(action string) {
	getMetrics().actionRetries.WithLabelValues(action).Inc()
}

func RecordWorkflowTransition(node string) {
	getMetrics().workflowTransitions.WithLabelValues(node).Inc()
}

func AddWorkflowPaused(delta int) {
	getMetrics().workflowPaused.Add(float64(delta))
}

func RecordCheckpointOp(backend, op string, success bool) {
	getMetrics().checkpointOps.WithLabelValues(backend, op, statusLabel(success)).Inc()
}

func RecordCheckpointsReaped(n int) {
	getMetrics().checkpointsReaped.Add(float64(n))
}

func RecordReasoningCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.reasoningTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.reasoningDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}
