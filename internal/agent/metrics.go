package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbvault_agent_jobs_total",
		Help: "Jobs executed by the agent by kind and outcome",
	}, []string{"kind", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbvault_agent_job_duration_seconds",
		Help:    "Duration of agent jobs by kind",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"kind"})

	bytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbvault_agent_bytes_uploaded_total",
		Help: "Backup bytes written to storage",
	})

	outboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbvault_agent_outbox_depth",
		Help: "Terminal events waiting to be sent",
	})
)

// Job kinds.
const (
	kindBackup       = "backup"
	kindRestore      = "restore"
	kindVerification = "verification"
	kindTest         = "database_test"
)
