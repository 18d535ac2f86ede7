package metrics

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	actions          *prometheus.CounterVec
	flashLoans       *prometheus.CounterVec
	premiums         *prometheus.CounterVec
	healthRejections *prometheus.CounterVec
	reserveBalance   *prometheus.GaugeVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_actions_total",
				Help: "Count of pool actions by type and asset.",
			}, []string{"action", "asset"}),
			flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_flashloans_total",
				Help: "Count of flash loans settled by asset and outcome.",
			}, []string{"asset", "outcome"}),
			premiums: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_flashloan_premium",
				Help: "Flash loan premiums collected in base units by asset.",
			}, []string{"asset"}),
			healthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_health_rejections_total",
				Help: "Number of borrows or withdrawals rejected by the health check.",
			}, []string{"action"}),
			reserveBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_reserve_liquidity",
				Help: "Available liquidity in base units per reserve.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			lendingRegistry.actions,
			lendingRegistry.flashLoans,
			lendingRegistry.premiums,
			lendingRegistry.healthRejections,
			lendingRegistry.reserveBalance,
		)
	})
	return lendingRegistry
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return strings.ToLower(value)
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (m *LendingMetrics) ObserveAction(action, asset string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(label(action), label(asset)).Inc()
}

func (m *LendingMetrics) ObserveFlashLoan(asset string, premium *big.Int, err error) {
	if m == nil {
		return
	}
	outcome := "repaid"
	if err != nil {
		outcome = "failed"
	}
	m.flashLoans.WithLabelValues(label(asset), outcome).Inc()
	if err == nil && premium != nil && premium.Sign() > 0 {
		m.premiums.WithLabelValues(label(asset)).Add(toFloat(premium))
	}
}

func (m *LendingMetrics) IncHealthRejection(action string) {
	if m == nil {
		return
	}
	m.healthRejections.WithLabelValues(label(action)).Inc()
}

func (m *LendingMetrics) SetReserveLiquidity(asset string, amount *big.Int) {
	if m == nil {
		return
	}
	m.reserveBalance.WithLabelValues(label(asset)).Set(toFloat(amount))
}
