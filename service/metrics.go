package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lendex/domain/arena"
	"lendex/domain/book"
)

// Metrics is the service's prometheus surface. One instance per
// process; the registerer panics on duplicate registration.
type Metrics struct {
	ordersPlaced *prometheus.CounterVec
	fills        *prometheus.CounterVec
	fillVolume   *prometheus.CounterVec
	sweeps       *prometheus.CounterVec
	rejects      *prometheus.CounterVec
	cancels      prometheus.Counter
	globalOps    *prometheus.CounterVec
	walAppend    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ordersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendex", Name: "orders_placed_total",
			Help: "Orders accepted by the engine.",
		}, []string{"market", "kind"}),
		fills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendex", Name: "fills_total",
			Help: "Individual maker fills.",
		}, []string{"market"}),
		fillVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendex", Name: "fill_volume_atoms_total",
			Help: "Filled base quantity in atoms.",
		}, []string{"market"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendex", Name: "sweeps_total",
			Help: "Resting orders removed by lazy sweeps.",
		}, []string{"market", "reason"}),
		rejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendex", Name: "rejects_total",
			Help: "Operations rejected, by error class.",
		}, []string{"reason"}),
		cancels: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lendex", Name: "cancels_total",
			Help: "Orders cancelled by their owner.",
		}),
		globalOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendex", Name: "global_entry_ops_total",
			Help: "Global registry operations.",
		}, []string{"op"}),
		walAppend: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lendex", Name: "wal_append_seconds",
			Help:    "WAL append+sync latency.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 14),
		}),
	}
}

// rejectReason maps engine errors onto a bounded label set.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, arena.ErrExhausted):
		return "exhausted"
	case errors.Is(err, book.ErrInvalidatedGlobalOrder):
		return "invalidated_global"
	case errors.Is(err, book.ErrNotFound):
		return "not_found"
	case errors.Is(err, book.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, book.ErrCollaboratorFailure):
		return "collaborator_failure"
	case errors.Is(err, book.ErrWouldCross):
		return "would_cross"
	case errors.Is(err, book.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, book.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "other"
	}
}
