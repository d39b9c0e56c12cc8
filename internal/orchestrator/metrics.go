package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/fsbatch/internal/model"
)

// Metric label values for lot outcome.
const (
	outcomeCompleted = model.LotStatusCompleted
	outcomeLost      = model.LotStatusLost
	outcomeSucceeded = "succeeded"
)

var (
	lotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fsbatch_lot_duration_seconds",
			Help:    "Wall-clock time from worker launch to lot resolution, in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	activeLots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fsbatch_active_lots",
			Help: "Number of lots whose worker process is currently running.",
		},
	)

	lotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsbatch_lots_total",
			Help: "Total number of lots resolved, by outcome.",
		},
		[]string{"outcome"},
	)

	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsbatch_items_total",
			Help: "Total number of requests resolved, by outcome (succeeded or failure reason).",
		},
		[]string{"outcome"},
	)

	recoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fsbatch_engine_recoveries_total",
			Help: "Total number of engine recovery sequences run by workers.",
		},
	)
)

func init() {
	prometheus.MustRegister(lotDuration)
	prometheus.MustRegister(activeLots)
	prometheus.MustRegister(lotsTotal)
	prometheus.MustRegister(itemsTotal)
	prometheus.MustRegister(recoveriesTotal)

	// Pre-initialize label combinations so they are exported as 0.
	lotsTotal.WithLabelValues(outcomeCompleted)
	lotsTotal.WithLabelValues(outcomeLost)
	itemsTotal.WithLabelValues(outcomeSucceeded)
	for _, r := range model.Reasons {
		itemsTotal.WithLabelValues(string(r))
	}
}

// observeLot records the metrics for one resolved lot. Items of a lost lot
// count as crashes, as they do in the consolidated result.
func observeLot(res model.LotResult, seconds float64) {
	lotDuration.Observe(seconds)
	if res.Lost {
		lotsTotal.WithLabelValues(outcomeLost).Inc()
		itemsTotal.WithLabelValues(string(model.ReasonCrash)).Add(float64(len(res.Indices)))
		return
	}
	lotsTotal.WithLabelValues(outcomeCompleted).Inc()
	recoveriesTotal.Add(float64(res.Recoveries))
	for _, o := range res.Outcomes {
		if o.OK() {
			itemsTotal.WithLabelValues(outcomeSucceeded).Inc()
			continue
		}
		itemsTotal.WithLabelValues(string(o.Reason)).Inc()
	}
}
