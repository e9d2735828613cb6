// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BarsProcessed counts bars consumed by the trading loop.
	BarsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "bars_processed_total",
		Help:      "Bars consumed by the trading loop.",
	}, []string{"symbol", "timeframe"})

	// OrdersSubmitted counts orders sent to the bridge by side.
	OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "orders_submitted_total",
		Help:      "Orders submitted to the broker bridge.",
	}, []string{"symbol", "side"})

	// OrdersFailed counts orders that exhausted their retry budget.
	OrdersFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "orders_failed_total",
		Help:      "Orders that failed after all retries.",
	}, []string{"symbol"})

	// Vetoes counts veto-chain rejections by gate.
	Vetoes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "vetoes_total",
		Help:      "Entry candidates rejected by the veto chain.",
	}, []string{"kind"})

	// StrategyTrips counts circuit-breaker trips per strategy.
	StrategyTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "strategy_trips_total",
		Help:      "Strategy circuit-breaker trips.",
	}, []string{"strategy"})

	// DailyPnL is today's realized P&L in TWD.
	DailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotrader",
		Name:      "daily_pnl_twd",
		Help:      "Realized P&L for the current trading day.",
	})

	// Equity is the account equity in TWD.
	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotrader",
		Name:      "equity_twd",
		Help:      "Account equity marked at last prices.",
	})

	// OpenPositions is the current open position count.
	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotrader",
		Name:      "open_positions",
		Help:      "Number of open positions.",
	})

	// EmergencyShutdown is 1 while the emergency latch is set.
	EmergencyShutdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotrader",
		Name:      "emergency_shutdown",
		Help:      "1 when the emergency shutdown latch is set.",
	})

	// BacktestEvaluations counts completed backtest evaluations.
	BacktestEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "backtest_evaluations_total",
		Help:      "Completed (strategy, symbol) backtest evaluations.",
	}, []string{"valid"})

	// WritebackSpills counts event-log writes diverted to the spill file.
	WritebackSpills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotrader",
		Name:      "writeback_spills_total",
		Help:      "Event-log writes spilled to the fallback file on a full queue.",
	})
)

func init() {
	prometheus.MustRegister(
		BarsProcessed,
		OrdersSubmitted,
		OrdersFailed,
		Vetoes,
		StrategyTrips,
		DailyPnL,
		Equity,
		OpenPositions,
		EmergencyShutdown,
		BacktestEvaluations,
		WritebackSpills,
	)
}
