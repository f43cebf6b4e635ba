// Package metrics exposes Prometheus collectors for the HTTP surface, the
// reply chain, the completion proxy and the action queue.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omnidim"

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"handler", "method"})

	replyTiers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reply_tier_attempts_total",
		Help:      "Reply tier attempts by tier and outcome.",
	}, []string{"tier", "outcome"})

	proxyCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_completions_total",
		Help:      "Completion proxy requests by outcome.",
	}, []string{"outcome"})

	dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_dispatches_total",
		Help:      "Commands handed to the execution subsystem by outcome.",
	}, []string{"outcome"})

	queuedActions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queued_actions_total",
		Help:      "Actions queued by dispatched commands.",
	})

	actionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_results_total",
		Help:      "Action executions by final status.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpDuration,
		replyTiers,
		proxyCompletions,
		dispatches,
		queuedActions,
		actionResults,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveReplyTier records one attempt of a reply tier.
func ObserveReplyTier(tier, outcome string) {
	replyTiers.WithLabelValues(tier, outcome).Inc()
}

// ObserveProxyCompletion records the outcome of a proxied completion.
func ObserveProxyCompletion(outcome string) {
	proxyCompletions.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records a command dispatch and the number of actions it queued.
func ObserveDispatch(outcome string, actions int) {
	dispatches.WithLabelValues(outcome).Inc()
	if actions > 0 {
		queuedActions.Add(float64(actions))
	}
}

// ObserveActionResult records the status an action settled in.
func ObserveActionResult(status string) {
	actionResults.WithLabelValues(status).Inc()
}

// Registry returns the registry backing Handler.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
