package h1kit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h1kit_events_total",
			Help: "Total number of protocol events processed by the state machine",
		},
		[]string{"role", "type"},
	)

	protocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h1kit_protocol_errors_total",
			Help: "Total number of protocol errors, split by which side caused them",
		},
		[]string{"side"},
	)
)
