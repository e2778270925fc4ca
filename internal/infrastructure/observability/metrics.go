package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SettlementOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_outcomes_total",
			Help: "Settlement attempts by outcome reason",
		},
		[]string{"reason"},
	)

	CreditsAwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_awarded_total",
			Help: "Credits moved into accounts by ledger entry type",
		},
		[]string{"type"},
	)

	SettlementConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_conflicts_total",
			Help: "Settlement transactions aborted by lock or serialization conflicts",
		},
	)
)

func InitMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RepositoryCalls, RepositoryDuration, SettlementOutcomes, CreditsAwarded, SettlementConflicts)
}
