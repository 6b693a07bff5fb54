package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgentsOnline tracks connected agent sessions. The registry reports into it
// through its change callback.
var AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dbvault_agents_online",
	Help: "Number of agents with a live WebSocket session",
})

// RegisterPendingRequests exposes the number of requests waiting for an agent
// response.
func RegisterPendingRequests(count func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dbvault_pending_requests",
		Help: "Requests waiting for an agent response",
	}, func() float64 {
		return float64(count())
	}))
}
