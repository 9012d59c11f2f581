// Package metrics provides the rolling training window logged by the trainer
// and the Prometheus collectors exported by the command line entry point.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Batch kinds.
const (
	KindTrain = "train"
	KindEcho  = "echo"
)

// Pass outcomes.
const (
	OutcomeExhausted = "exhausted"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
)

var (
	// BatchesTotal counts completed batches by kind.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emirnn_batches_total",
		Help: "Total number of training batches run, by kind (train/echo).",
	}, []string{"kind"})

	// PassesTotal counts finished training passes by outcome.
	PassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emirnn_passes_total",
		Help: "Total number of training passes, by outcome.",
	}, []string{"outcome"})

	// Loss is the most recently echoed loss, by loss type.
	Loss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emirnn_loss",
		Help: "Most recently observed training loss, by loss type.",
	}, []string{"loss_type"})

	// BatchDuration observes the wall time of one session run.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emirnn_batch_duration_seconds",
		Help:    "Wall time of a single training batch.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
