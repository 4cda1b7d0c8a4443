package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementsTotal counts deposit settlements by outcome
// (settled, duplicate, unconfirmed, below_floor, error).
var SettlementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gapeva_deposit_settlements_total",
		Help: "Total number of deposit settlement attempts by outcome",
	},
	[]string{"outcome"},
)

// WithdrawalsTotal counts withdrawal requests by final status.
var WithdrawalsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gapeva_withdrawals_total",
		Help: "Total number of withdrawal requests by status",
	},
	[]string{"status"},
)

// VersionConflicts counts optimistic-concurrency conflicts observed by the
// ledger store, including those resolved by an internal retry.
var VersionConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gapeva_ledger_version_conflicts_total",
		Help: "Total number of account version conflicts detected at commit",
	},
)

// OperationLatency records latency distribution of ledger operations.
var OperationLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gapeva_ledger_operation_latency_seconds",
		Help:    "Latency in seconds of ledger-mutating operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gapeva_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gapeva_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gapeva_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(SettlementsTotal, WithdrawalsTotal, VersionConflicts, OperationLatency)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
