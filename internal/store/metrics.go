package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	lookups         *prometheus.CounterVec
	registrations   prometheus.Counter
	unregistrations prometheus.Counter
	lockTimeouts    prometheus.Counter
	tileBytes       prometheus.Counter
	records         prometheus.Gauge
}

// newMetrics registers the store's collectors on reg. A nil reg yields
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcalc_store_lookups_total",
			Help: "Record lookups by result (hit, miss, stale).",
		}, []string{"result"}),
		registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "gridcalc_store_registrations_total",
			Help: "Records registered.",
		}),
		unregistrations: f.NewCounter(prometheus.CounterOpts{
			Name: "gridcalc_store_unregistrations_total",
			Help: "Records removed by invalidation or staleness.",
		}),
		lockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "gridcalc_store_lock_timeouts_total",
			Help: "Record lock acquisitions abandoned on timeout or cancellation.",
		}),
		tileBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "gridcalc_store_tile_bytes_written_total",
			Help: "Bytes written to tile files.",
		}),
		records: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridcalc_store_records",
			Help: "Records currently registered.",
		}),
	}
}
