package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts device sync runs by outcome (ok, error).
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "biosync_sync_runs_total",
		Help: "Device sync runs by outcome.",
	}, []string{"outcome"})

	PunchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biosync_punches_created_total",
		Help: "Punches persisted during ingestion.",
	})

	PunchesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biosync_punches_duplicate_total",
		Help: "Punches skipped as already persisted.",
	})

	PunchesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biosync_punches_invalid_total",
		Help: "Punches rejected during ingestion (unparseable or malformed).",
	})

	SessionsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biosync_sessions_reconciled_total",
		Help: "Attendance sessions updated by the reconciler.",
	})
)
