package mail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_attempts_total",
		Help: "Mail channel attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	AttemptLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mail_attempt_latency_seconds",
		Help:    "Latency of a single mail channel attempt.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"channel"})

	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_dispatch_total",
		Help: "Completed dispatches by final result (channel name or failed).",
	}, []string{"result"})
)
