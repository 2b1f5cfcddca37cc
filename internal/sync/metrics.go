package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion outcomes for the ingest counter.
const (
	outcomeCompleted  = "completed"
	outcomeNoChange   = "no_change"
	outcomeDuplicate  = "duplicate"
	outcomeRejected   = "rejected"
	outcomeCredential = "credential_failure"
	outcomeTransient  = "transient_failure"
	outcomePermanent  = "permanent_failure"
)

var (
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorsync_ingest_attempts_total",
			Help: "Ingestion attempts by final outcome",
		},
		[]string{"outcome"},
	)

	ingestBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorsync_ingest_bytes_total",
			Help: "Bytes downloaded and stored from the provider",
		},
	)

	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorsync_retries_scheduled_total",
			Help: "Retries persisted and armed after transient failures",
		},
	)

	retriesRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mirrorsync_retries_recovered_total",
			Help: "Persisted retries re-armed at process start",
		},
	)

	renewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorsync_channel_renewals_total",
			Help: "Webhook channel renewal attempts by result",
		},
		[]string{"result"},
	)
)
