// Package metrics reports store operations to Prometheus.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jacentio/espalier/store"
)

// Outcome label values.
const (
	OutcomeOK                = "ok"
	OutcomeCasMismatch       = "cas_mismatch"
	OutcomeNotFound          = "not_found"
	OutcomeExists            = "exists"
	OutcomeTransactionFailed = "transaction_failed"
	OutcomeUnspecified       = "unspecified"
	OutcomeCanceled          = "canceled"
	OutcomeError             = "error"
)

// Observer implements store.Observer with Prometheus collectors.
type Observer struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ store.Observer = (*Observer)(nil)

// NewObserver registers the espalier collectors with reg.
// If reg is nil, the default Prometheus registerer is used.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Observer{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "espalier",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Total number of store operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "espalier",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Store operation duration in seconds",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
			[]string{"operation"},
		),
	}
}

// ObserveOperation records one operation.
func (o *Observer) ObserveOperation(op string, elapsed time.Duration, err error) {
	o.operations.WithLabelValues(op, Outcome(err)).Inc()
	o.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Outcome maps an operation error to its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case store.IsCasMismatch(err):
		return OutcomeCasMismatch
	case store.IsNotFound(err):
		return OutcomeNotFound
	case store.IsExists(err):
		return OutcomeExists
	case store.IsTransactionFailed(err):
		return OutcomeTransactionFailed
	case errors.Is(err, store.ErrUnspecified):
		return OutcomeUnspecified
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}
