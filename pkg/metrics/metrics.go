package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DocumentMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstream", Name: "document_mutations_total", Help: "Number of successful document mutations by operation."},
		[]string{"collection", "op"},
	)
	RevConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstream", Name: "rev_conflicts_total", Help: "Number of writes rejected by the revision check."},
		[]string{"collection"},
	)
	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstream", Name: "feed_events_total", Help: "Number of projected change-feed events by label."},
		[]string{"collection", "label"},
	)
	MigrationsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "docstream", Name: "migrations_applied_total", Help: "Number of migration units applied."},
	)
	MigrationsRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "docstream", Name: "migrations_rolled_back_total", Help: "Number of migration units rolled back."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(DocumentMutations)
	reg.MustRegister(RevConflicts)
	reg.MustRegister(FeedEvents)
	reg.MustRegister(MigrationsApplied)
	reg.MustRegister(MigrationsRolledBack)
}
