// Package metrics exposes operational counters for the orchestrator.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	runningTasks     prometheus.Gauge
	admissions       *prometheus.CounterVec
	taskOutcomes     *prometheus.CounterVec
	pendingWebhooks  prometheus.Gauge
	droppedLogChunks prometheus.Counter
	tokenRefreshes   *prometheus.CounterVec
)

// Admission outcome labels.
const (
	AdmissionAccepted   = "accepted"
	AdmissionAtCapacity = "at_capacity"
	AdmissionError      = "service_error"
	AdmissionRejected   = "invalid_signature"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetRunningTasks records the current number of running tasks.
func SetRunningTasks(n int) {
	mu.RLock()
	defer mu.RUnlock()
	runningTasks.Set(float64(n))
}

// IncAdmission counts an admission attempt by outcome.
func IncAdmission(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	admissions.WithLabelValues(outcome).Inc()
}

// IncTaskOutcome counts a terminal task transition by status.
func IncTaskOutcome(status string) {
	mu.RLock()
	defer mu.RUnlock()
	taskOutcomes.WithLabelValues(status).Inc()
}

// SetPendingWebhooks records the current outbox depth.
func SetPendingWebhooks(n int) {
	mu.RLock()
	defer mu.RUnlock()
	pendingWebhooks.Set(float64(n))
}

// IncDroppedLogChunks counts log chunks abandoned after the retry budget.
func IncDroppedLogChunks(n int) {
	mu.RLock()
	defer mu.RUnlock()
	droppedLogChunks.Add(float64(n))
}

// IncTokenRefresh counts a credential refresh attempt by result
// ("success", "failure", "timeout").
func IncTokenRefresh(result string) {
	mu.RLock()
	defer mu.RUnlock()
	tokenRefreshes.WithLabelValues(result).Inc()
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderelay",
		Name:      "running_tasks",
		Help:      "Tasks currently in the running state.",
	})
	adm := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderelay",
		Name:      "admissions_total",
		Help:      "Admission attempts grouped by outcome.",
	}, []string{"outcome"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderelay",
		Name:      "task_outcomes_total",
		Help:      "Terminal task transitions grouped by status.",
	}, []string{"status"})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderelay",
		Name:      "pending_webhooks",
		Help:      "Undelivered lifecycle webhooks in the outbox.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coderelay",
		Name:      "dropped_log_chunks_total",
		Help:      "Log chunks dropped after exhausting the delivery retry budget.",
	})
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coderelay",
		Name:      "token_refreshes_total",
		Help:      "Installation token refresh attempts grouped by result.",
	}, []string{"result"})

	registry.MustRegister(running, adm, outcomes, pending, dropped, refreshes)

	reg = registry
	runningTasks = running
	admissions = adm
	taskOutcomes = outcomes
	pendingWebhooks = pending
	droppedLogChunks = dropped
	tokenRefreshes = refreshes
}
