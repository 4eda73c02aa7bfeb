package middleware

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "economy",
		Subsystem: "http",
		Name:      "request_duration_ms",
		Help:      "HTTP request latency in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "route"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-actor rate limiter",
	})
)

func observeRequest(method, route string, status int, latencyMs float64) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(method, route).Observe(latencyMs)
}
