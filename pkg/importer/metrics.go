package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bulkimport_batches_in_flight",
		Help: "Batches currently loaded and being dispatched",
	})

	plannedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkimport_planned_batches_total",
		Help: "Total batch descriptors submitted to the worker pool",
	})

	skippedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkimport_skipped_batches_total",
		Help: "Batches not started because the run was stopped or cancelled",
	}, []string{"reason"}) // "stopped", "cancelled"

	workerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkimport_worker_panics_total",
		Help: "Worker panics recovered into failed batches",
	})

	loadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkimport_load_errors_total",
		Help: "Descriptors whose records could not be loaded",
	})

	gcHints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkimport_gc_hints_total",
		Help: "Garbage collection hints issued between batches",
	})
)
