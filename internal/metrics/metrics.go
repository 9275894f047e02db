// Package metrics provides Prometheus instrumentation for the shell and its
// embedded remotes. It exposes counters for protocol traffic and session
// transitions and a gauge for connected browser contexts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BrowserContexts tracks the number of browser contexts connected to the
	// shell's WebSocket bridge.
	BrowserContexts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mfshell_browser_contexts",
		Help: "Current number of browser contexts connected to the bridge",
	})

	// MessagesTotal counts inbound protocol deliveries, labeled by transport
	// ("nats", "local", "ws") and result ("accepted", "ignored", "rejected_origin").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mfshell_messages_total",
		Help: "Total number of inbound protocol deliveries",
	}, []string{"transport", "result"})

	// PublishFailures counts fire-and-forget publishes that the transport
	// refused.
	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mfshell_publish_failures_total",
		Help: "Total number of failed protocol publishes",
	}, []string{"transport"})

	// Transitions counts accepted session transitions by event type.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mfshell_session_transitions_total",
		Help: "Total number of session transitions applied by the coordinator",
	}, []string{"event"}) // event = "login", "logout"

	// StoreErrors counts failed session store writes.
	StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mfshell_store_errors_total",
		Help: "Total number of failed session store writes",
	})

	// LoginAttempts counts credential checks by outcome.
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mfshell_login_attempts_total",
		Help: "Total number of credential checks",
	}, []string{"outcome"}) // outcome = "success", "invalid", "throttled"
)

func init() {
	prometheus.MustRegister(
		BrowserContexts,
		MessagesTotal,
		PublishFailures,
		Transitions,
		StoreErrors,
		LoginAttempts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
