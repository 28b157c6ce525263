// Package metrics exports coordinator and protocol round metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vadiminshakov/txcoord/core/dto"
)

const (
	namespace = "txcoord"
	subsystem = "coordinator"
)

// Collector counts transaction outcomes and round results.
type Collector struct {
	begun         prometheus.Counter
	finished      *prometheus.CounterVec
	victims       prometheus.Counter
	roundDuration *prometheus.HistogramVec
	votes         *prometheus.CounterVec
}

// New creates the collector and registers it on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		begun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transactions_begun_total",
			Help:      "Total number of transactions begun.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transactions_finished_total",
			Help:      "Total number of finished transactions by result.",
		}, []string{"result"}),
		victims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deadlock_victims_total",
			Help:      "Total number of transactions aborted to break a deadlock.",
		}),
		roundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "round_duration_seconds",
			Help:      "Duration of protocol rounds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"round"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "round_votes_total",
			Help:      "Participant answers per round by outcome.",
		}, []string{"round", "outcome"}),
	}

	for _, col := range []prometheus.Collector{c.begun, c.finished, c.victims, c.roundDuration, c.votes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) TransactionBegun() {
	c.begun.Inc()
}

func (c *Collector) TransactionFinished(result dto.CommitResult) {
	c.finished.WithLabelValues(result.String()).Inc()
}

func (c *Collector) DeadlockVictim() {
	c.victims.Inc()
}

// ObserveRound records one finished prepare, commit or abort round.
func (c *Collector) ObserveRound(round string, m dto.RoundMetrics) {
	c.roundDuration.WithLabelValues(round).Observe(m.Duration.Seconds())
	c.votes.WithLabelValues(round, "success").Add(float64(m.Successful))
	c.votes.WithLabelValues(round, "failure").Add(float64(m.Failed))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
