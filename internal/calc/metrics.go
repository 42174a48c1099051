package calc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Evaluation origins.
const (
	originMemo      = "memo"
	originStore     = "store"
	originComputed  = "computed"
	originTransient = "transient"
)

type metrics struct {
	evaluations   *prometheus.CounterVec
	commits       prometheus.Counter
	invalidations prometheus.Counter
	entries       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcalc_calc_evaluations_total",
			Help: "Evaluate calls by where the result came from",
		}, []string{"origin"}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Name: "gridcalc_calc_commits_total",
			Help: "Results written to the store",
		}),
		invalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "gridcalc_calc_invalidations_total",
			Help: "Memoized results dropped or recomputed after a definition or source change",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Name: "gridcalc_calc_memo_entries",
			Help: "Memoized results held by the engine",
		}),
	}
}
