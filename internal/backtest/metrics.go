package backtest

import (
	"math"

	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// MinValidTrades is the floor below which a result is excluded from
// selection.
const MinValidTrades = 10

// Fitness weights, normalized to sum to 1.
const (
	wSharpe   = 0.35
	wSortino  = 0.25
	wCalmar   = 0.15
	wDrawdown = 0.15
	wTrades   = 0.10
)

const tradingDaysPerYear = 252

// Score computes the performance metrics of a finished run.
func Score(run Run, initialCapital float64) types.BacktestResult {
	res := types.BacktestResult{
		Symbol:       run.Symbol,
		StrategyName: run.StrategyName,
		TotalTrades:  len(run.Trades),
		FinalEquity:  initialCapital,
		PeakEquity:   initialCapital,
	}
	if len(run.Equity) > 0 {
		res.FinalEquity = run.Equity[len(run.Equity)-1]
		for _, eq := range run.Equity {
			if eq > res.PeakEquity {
				res.PeakEquity = eq
			}
		}
	}
	res.TotalReturnPct = sanitize((res.FinalEquity/initialCapital - 1) * 100)
	res.MaxDrawdownPct = sanitize(indicators.MaxDrawdown(run.Equity) * 100)

	rets := barReturns(run.Equity)
	res.SharpeRatio = sanitize(sharpe(rets))
	res.SortinoRatio = sanitize(sortino(rets))
	if res.MaxDrawdownPct > 0 {
		res.CalmarRatio = sanitize(res.TotalReturnPct / res.MaxDrawdownPct)
	}

	var wins int
	var holdSum int
	for _, t := range run.Trades {
		if t.PnL > 0 {
			wins++
		}
		holdSum += t.HoldBars()
	}
	if len(run.Trades) > 0 {
		res.WinRatePct = sanitize(float64(wins) / float64(len(run.Trades)) * 100)
		res.AverageHoldBars = sanitize(float64(holdSum) / float64(len(run.Trades)))
	}
	res.Valid = res.TotalTrades >= MinValidTrades
	return res
}

// Fitness is the composite ranking score. Penalties apply beyond 20%
// drawdown and below 20 trades.
func Fitness(r types.BacktestResult) float64 {
	f := wSharpe*sanitize(r.SharpeRatio) +
		wSortino*sanitize(r.SortinoRatio) +
		wCalmar*sanitize(r.CalmarRatio) -
		wDrawdown*math.Max(0, sanitize(r.MaxDrawdownPct)-20) -
		wTrades*math.Max(0, 20-float64(r.TotalTrades))
	return sanitize(f)
}

// barReturns converts an equity curve to simple per-bar returns.
func barReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			rets = append(rets, 0)
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	return rets
}

// sharpe annualizes the mean/stddev ratio of daily returns at rf=0.
func sharpe(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	m := mean(rets)
	sd := stddev(rets, m)
	if sd == 0 {
		return 0
	}
	return m / sd * math.Sqrt(tradingDaysPerYear)
}

// sortino penalizes only downside deviation.
func sortino(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	m := mean(rets)
	var sumSq float64
	var n int
	for _, r := range rets {
		if r < 0 {
			sumSq += r * r
			n++
		}
	}
	if n == 0 || sumSq == 0 {
		return 0
	}
	dd := math.Sqrt(sumSq / float64(n))
	return m / dd * math.Sqrt(tradingDaysPerYear)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// sanitize maps NaN and infinities to 0 so they never poison a ranking.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
