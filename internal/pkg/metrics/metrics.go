// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenvote"

var (
	// LedgerMutations 记录每一次成功的余额变动
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_mutations_total",
		Help:      "Number of committed balance mutations by transaction kind and direction.",
	}, []string{"kind", "direction"})

	// LedgerTokens 记录流入/流出的 token 数量
	LedgerTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_tokens_total",
		Help:      "Sum of tokens moved by transaction kind and direction.",
	}, []string{"kind", "direction"})

	GateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_denials_total",
		Help:      "Eligibility denials by action and reason code.",
	}, []string{"action", "reason"})

	DualPathOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dualpath_outcomes_total",
		Help:      "Reward grant outcomes by path (primary, requery, fallback) and status.",
	}, []string{"path", "status"})

	DualPathLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dualpath_latency_seconds",
		Help:      "Latency of reward grant paths.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "saga_compensations_total",
		Help:      "Saga compensations by step and result (applied, queued, failed).",
	}, []string{"step", "result"})

	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_messages_total",
		Help:      "Messages consumed by the ledger worker by topic and result.",
	}, []string{"topic", "result"})
)
