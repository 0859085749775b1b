package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	purchaseAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_attempts_total",
			Help: "Purchase attempts by outcome",
		},
		[]string{"result"},
	)

	remainingCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_type_remaining_capacity",
			Help: "Remaining capacity per ticket type",
		},
		[]string{"ticket_type_id"},
	)

	lockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inventory_lock_wait_seconds",
			Help:    "Time spent waiting for the inventory lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	paymentDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_duration_seconds",
			Help:    "Payment gateway call duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	sweptReservations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swept_reservations_total",
			Help: "Expired reservations reclaimed by the sweep",
		},
	)

	cacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "availability_cache_requests_total",
			Help: "Availability cache lookups by result",
		},
		[]string{"result"},
	)
)

func RecordPurchase(result string) {
	purchaseAttempts.WithLabelValues(result).Inc()
}

func SetRemainingCapacity(ticketTypeID string, remaining int) {
	remainingCapacity.WithLabelValues(ticketTypeID).Set(float64(remaining))
}

func ObserveLockWait(d time.Duration) {
	lockWaitSeconds.Observe(d.Seconds())
}

func ObservePaymentDuration(d time.Duration) {
	paymentDurationSeconds.Observe(d.Seconds())
}

func AddSweptReservations(n int64) {
	sweptReservations.Add(float64(n))
}

func RecordCacheHit()  { cacheRequests.WithLabelValues("hit").Inc() }
func RecordCacheMiss() { cacheRequests.WithLabelValues("miss").Inc() }
