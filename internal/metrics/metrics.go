package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reservationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixreserve_reservation_operations_total",
			Help: "Reservation operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	inventoryUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixreserve_inventory_units_total",
			Help: "Ticket units moved by the ledger",
		},
		[]string{"movement"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tixreserve_queue_task_duration_seconds",
			Help:    "Duration of queue task handlers",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind", "outcome"},
	)

	taskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tixreserve_queue_task_retries_total",
			Help: "Queue tasks rescheduled after a failure",
		},
		[]string{"kind"},
	)

	sweepReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tixreserve_sweep_released_total",
			Help: "Reservations released by the reconciliation sweep",
		},
	)
)

func ObserveReservation(operation, outcome string) {
	reservationOps.WithLabelValues(operation, outcome).Inc()
}

// AddInventoryUnits counts units reserved, sold or released.
func AddInventoryUnits(movement string, n int) {
	if n > 0 {
		inventoryUnits.WithLabelValues(movement).Add(float64(n))
	}
}

func ObserveTask(kind, outcome string, d time.Duration) {
	taskDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func IncTaskRetry(kind string) {
	taskRetries.WithLabelValues(kind).Inc()
}

func AddSweepReleased(n int) {
	if n > 0 {
		sweepReleased.Add(float64(n))
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
