package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sluice_delivery_duration_seconds",
		Help:    "Time taken by a sink to deliver one message, failures included",
		Buckets: prometheus.DefBuckets,
	}, []string{"driver"})

	DeliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_delivery_errors_total",
		Help: "The total number of failed delivery attempts",
	}, []string{"driver"})

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sluice_active_workers",
		Help: "The number of running destination workers",
	})
)

// Collectors returns the engine metrics for registration with a registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{DeliveryDuration, DeliveryErrors, ActiveWorkers}
}
