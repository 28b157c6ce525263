package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vadiminshakov/txcoord/core/coordinator"
)

// StatsSource reports the live transaction registry.
type StatsSource interface {
	Stats() coordinator.Stats
}

// RegisterStats publishes the registry figures of src, read on every scrape.
func RegisterStats(reg prometheus.Registerer, src StatsSource) error {
	return reg.Register(&statsCollector{
		src: src,
		active: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "active_transactions"),
			"Number of live transactions.", nil, nil),
		byState: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "transactions"),
			"Number of live transactions by state.", []string{"state"}, nil),
		locks: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "locks_held"),
			"Number of resource locks held.", nil, nil),
		meanAge: prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "mean_transaction_age_seconds"),
			"Mean age of live transactions.", nil, nil),
	})
}

type statsCollector struct {
	src StatsSource

	active  *prometheus.Desc
	byState *prometheus.Desc
	locks   *prometheus.Desc
	meanAge *prometheus.Desc
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.active
	ch <- s.byState
	ch <- s.locks
	ch <- s.meanAge
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := s.src.Stats()

	ch <- prometheus.MustNewConstMetric(s.active, prometheus.GaugeValue, float64(st.Active))
	for state, n := range st.ByState {
		ch <- prometheus.MustNewConstMetric(s.byState, prometheus.GaugeValue, float64(n), state.String())
	}
	ch <- prometheus.MustNewConstMetric(s.locks, prometheus.GaugeValue, float64(st.LocksHeld))
	ch <- prometheus.MustNewConstMetric(s.meanAge, prometheus.GaugeValue, st.MeanAge.Seconds())
}
