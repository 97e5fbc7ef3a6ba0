package cohort

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by a Matcher. A nil *Metrics
// records nothing.
type Metrics struct {
	cases      *prometheus.CounterVec
	conflicts  prometheus.Counter
	crossShard prometheus.Counter
	rounds     prometheus.Counter
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the matcher collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cohort",
			Name:      "cases_total",
			Help:      "Cases processed, by terminal status.",
		}, []string{"status"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cohort",
			Name:      "claim_conflicts_total",
			Help:      "Claims that failed or displaced another case.",
		}),
		crossShard: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cohort",
			Name:      "cross_shard_claims_total",
			Help:      "Successful claims of a control outside the claiming partition's shard.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cohort",
			Name:      "match_rounds_total",
			Help:      "Proposal rounds. A sequential run is a single round.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cohort",
			Name:      "match_duration_seconds",
			Help:      "Duration of matching runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"strategy"}),
	}
	for _, c := range []prometheus.Collector{m.cases, m.conflicts, m.crossShard, m.rounds, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRun(strategy Strategy, stats RunStats, start time.Time) {
	if m == nil {
		return
	}
	m.cases.WithLabelValues(Matched.String()).Add(float64(stats.Matched))
	m.cases.WithLabelValues(PartiallyMatched.String()).Add(float64(stats.PartiallyMatched))
	m.cases.WithLabelValues(Unmatched.String()).Add(float64(stats.Unmatched))
	m.duration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeRound(conflicts, crossShard int) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.conflicts.Add(float64(conflicts))
	m.crossShard.Add(float64(crossShard))
}
