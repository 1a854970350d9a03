package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "givepool_engine_ops_total",
			Help: "Total number of engine operations",
		},
		[]string{"op", "status"},
	)

	StakedPrincipal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "givepool_engine_staked_principal",
			Help: "Staked principal per community",
		},
		[]string{"community"},
	)

	DonationsAccrued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "givepool_engine_donations_accrued",
			Help: "Accrued, unclaimed donations per community",
		},
		[]string{"community"},
	)

	LossRemainderTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "givepool_engine_loss_remainder_total",
			Help: "Loss value that could not be absorbed by donations or the accumulator",
		},
	)

	ReceiptSupply = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "givepool_ledger_receipt_supply",
			Help: "Total receipt supply (equals total staked principal)",
		},
	)

	AggregateValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "givepool_router_aggregate_value",
			Help: "Aggregate pool value across active and retired backends",
		},
	)

	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "givepool_router_migrations_total",
			Help: "Total number of migration transitions",
		},
		[]string{"transition"}, // "initiated", "finalized"
	)

	WithdrawalRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "givepool_router_withdrawal_requests_total",
			Help: "Total number of withdrawal requests issued",
		},
		[]string{"namespace"}, // "native", "internal"
	)

	GenerationsRetired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "givepool_router_generations_retired",
			Help: "Number of retired backend generations in the registry",
		},
	)
)

// RecordOp records the outcome of one engine operation.
func RecordOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OpsTotal.WithLabelValues(op, status).Inc()
}
