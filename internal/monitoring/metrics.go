// Package monitoring exposes Prometheus metrics for a client session.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/remote-sandbox/client/internal/model"
)

// Metrics holds the collectors of one session.
type Metrics struct {
	Registrations    *prometheus.CounterVec
	Recoveries       prometheus.Counter
	Executions       *prometheus.CounterVec
	OutputFragments  prometheus.Counter
	Reconnects       prometheus.Counter
	Logins           *prometheus.CounterVec
	State            prometheus.Gauge
	OutstandingCalls prometheus.Gauge
}

// NewMetrics registers session collectors on reg. A nil reg uses a private
// registry so several sessions can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_client_registrations_total",
				Help: "Registration results received from the peer",
			},
			[]string{"result"},
		),
		Recoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_client_identity_recoveries_total",
			Help: "Automatic re-registrations after the peer rejected a stored identity",
		}),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_client_executions_total",
				Help: "Settled script executions by outcome",
			},
			[]string{"outcome"},
		),
		OutputFragments: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_client_output_fragments_total",
			Help: "Output fragments relayed to the sink",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_client_reconnects_total",
			Help: "Channel dial attempts after the first",
		}),
		Logins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_client_logins_total",
				Help: "Login results by outcome",
			},
			[]string{"result"},
		),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_client_session_state",
			Help: "Current session state (0=disconnected 1=connecting 2=awaiting_login 3=awaiting_registration 4=ready 5=registration_failed)",
		}),
		OutstandingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_client_outstanding_calls",
			Help: "Requests awaiting a terminal event",
		}),
	}
}

// ObserveState records the current session state.
func (m *Metrics) ObserveState(s model.SessionState) {
	m.State.Set(float64(s))
}
