package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics agrupa os coletores da camada de liquidação.
// Todos os métodos aceitam receiver nil, o que permite rodar serviços e testes sem métricas.
type Metrics struct {
	rateLimitDecisions  *prometheus.CounterVec
	rateLimitFaults     *prometheus.CounterVec
	withdrawalsTotal    *prometheus.CounterVec
	depositsTotal       *prometheus.CounterVec
	reconcileTotal      *prometheus.CounterVec
	providerCallSeconds *prometheus.HistogramVec
	pendingWithdrawals  prometheus.Gauge
	expiredDeposits     prometheus.Counter
}

// New registra os coletores no registerer informado (prometheus.DefaultRegisterer em produção)
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rateLimitDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coin_settlement",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit decisions partitioned by endpoint and result.",
			},
			[]string{"endpoint", "result"},
		),
		rateLimitFaults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coin_settlement",
				Subsystem: "ratelimit",
				Name:      "store_faults_total",
				Help:      "Counter store failures that caused the limiter to fail open.",
			},
			[]string{"endpoint"},
		),
		withdrawalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coin_settlement",
				Subsystem: "withdrawal",
				Name:      "requests_total",
				Help:      "Withdrawal requests partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		depositsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coin_settlement",
				Subsystem: "deposit",
				Name:      "confirmations_total",
				Help:      "Deposit confirmation attempts partitioned by path and outcome.",
			},
			[]string{"path", "outcome"},
		),
		reconcileTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coin_settlement",
				Subsystem: "withdrawal",
				Name:      "reconcile_total",
				Help:      "Stuck withdrawal reconciliation results.",
			},
			[]string{"result"},
		),
		providerCallSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coin_settlement",
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Latency of provider API calls by operation and result.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"operation", "result"},
		),
		pendingWithdrawals: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coin_settlement",
				Subsystem: "withdrawal",
				Name:      "pending_stuck",
				Help:      "Withdrawals still pending after the reconcile threshold in the last pass.",
			},
		),
		expiredDeposits: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "coin_settlement",
				Subsystem: "deposit",
				Name:      "expired_total",
				Help:      "Pending deposit requests flipped to expired.",
			},
		),
	}
}

func (m *Metrics) ObserveRateLimit(endpoint string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.rateLimitDecisions.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) ObserveRateLimitFault(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitFaults.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) ObserveWithdrawal(outcome string) {
	if m == nil {
		return
	}
	m.withdrawalsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDeposit(path, outcome string) {
	if m == nil {
		return
	}
	m.depositsTotal.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveReconcile(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) ObserveProviderCall(operation string, err error, started time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerCallSeconds.WithLabelValues(operation, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetPendingWithdrawals(n int) {
	if m == nil {
		return
	}
	m.pendingWithdrawals.Set(float64(n))
}

func (m *Metrics) ObserveExpiredDeposits(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredDeposits.Add(float64(n))
}
