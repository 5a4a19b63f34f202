package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	activeSessions prometheus.Gauge
	framesTotal    *prometheus.CounterVec
	toolCallsTotal prometheus.Counter
	turnsTotal     prometheus.Counter
	errorsTotal    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apibridge_active_sessions",
			Help: "Number of live chat sessions.",
		}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apibridge_frames_total",
			Help: "Inbound frames handled, by type.",
		}, []string{"type"}),
		toolCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "apibridge_tool_calls_total",
			Help: "Tool calls executed.",
		}),
		turnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "apibridge_turns_total",
			Help: "Chat turns completed.",
		}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "apibridge_errors_total",
			Help: "Errors surfaced to clients.",
		}),
	}
}
