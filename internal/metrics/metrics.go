// Package metrics holds the Prometheus collectors of the storage subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quotadrive"

// Outcome labels.
const (
	ResultOK             = "ok"
	ResultQuotaExceeded  = "quota_exceeded"
	ResultNotFound       = "not_found"
	ResultStorageFailure = "storage_failure"
	ResultInvalid        = "invalid"
)

type Metrics struct {
	Uploads              *prometheus.CounterVec
	Deletes              *prometheus.CounterVec
	UploadedBytes        prometheus.Counter
	LedgerInconsistency  prometheus.Counter
	CompensationFailures prometheus.Counter
	OrphanBlobsDeleted   prometheus.Counter
	QuotaDriftOwners     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by result.",
		}, []string{"result"}),
		Deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Delete attempts by result.",
		}, []string{"result"}),
		UploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes accepted by successful uploads.",
		}),
		LedgerInconsistency: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_inconsistencies_total",
			Help:      "Releases that would have driven used bytes below zero.",
		}),
		CompensationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Failed quota releases while rolling back an upload.",
		}),
		OrphanBlobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_blobs_deleted_total",
			Help:      "Blobs removed by the reconciliation sweep.",
		}),
		QuotaDriftOwners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_drift_owners",
			Help:      "Owners whose used bytes disagree with their files at the last audit.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Uploads,
			m.Deletes,
			m.UploadedBytes,
			m.LedgerInconsistency,
			m.CompensationFailures,
			m.OrphanBlobsDeleted,
			m.QuotaDriftOwners,
		)
	}

	return m
}
