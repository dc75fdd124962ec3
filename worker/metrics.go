package worker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK           = "ok"
	resultDisconnected = "disconnected"
	resultSendError    = "send_error"
	resultCanceled     = "canceled"
)

type metrics struct {
	requests  *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	crashes   *prometheus.CounterVec
	handshake *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerrpc",
			Name:      "requests_total",
			Help:      "Run calls by worker name and result.",
		}, []string{"worker", "result"})),
		inFlight: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workerrpc",
			Name:      "requests_in_flight",
			Help:      "Run calls waiting for a response.",
		}, []string{"worker"})),
		crashes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workerrpc",
			Name:      "crashes_total",
			Help:      "Worker processes that exited without being shut down.",
		}, []string{"worker"})),
		handshake: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workerrpc",
			Name:      "handshake_seconds",
			Help:      "Time from spawning a worker to a completed handshake.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"worker", "result"})),
	}
}

// register registers c, or returns the collector already registered under the same descriptor,
// so several workers can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	// unregistered collectors still count, they just aren't exported
	return c
}
