package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Successful realtime connections by negotiated transport.",
	}, []string{"transport"})

	RegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_registrations_total",
		Help: "Register frames sent after a connect.",
	})
)
