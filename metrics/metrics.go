// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codenearby_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codenearby_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	GitHubRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codenearby_github_requests_total",
			Help: "GitHub API calls by endpoint and outcome (success, failure, rejected).",
		},
		[]string{"endpoint", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codenearby_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)

	TokensConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codenearby_api_tokens_consumed_total",
			Help: "Public API tokens spent by tier.",
		},
		[]string{"tier"},
	)

	TokenRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codenearby_api_token_rejections_total",
		Help: "Public API calls refused for an exhausted balance.",
	})

	TokenResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codenearby_api_token_resets_total",
		Help: "Billing accounts refilled by the daily reset.",
	})

	MatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codenearby_matches_created_total",
		Help: "Mutual right swipes that produced a connection.",
	})

	Swipes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codenearby_swipes_total",
			Help: "Swipes by direction.",
		},
		[]string{"direction"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codenearby_messages_sent_total",
			Help: "Messages by channel (direct, gathering).",
		},
		[]string{"channel"},
	)

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codenearby_websocket_clients",
		Help: "Currently connected gathering WebSocket clients.",
	})

	WebSocketDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codenearby_websocket_dropped_total",
		Help: "WebSocket clients disconnected for not keeping up.",
	})
)
