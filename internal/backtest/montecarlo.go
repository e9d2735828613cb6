package backtest

import (
	"math/rand"
	"sort"
)

// MonteCarloSummary reports the spread of outcomes when a run's trades are
// replayed in shuffled order. A live sequence whose drawdown sits near the
// p95 of the reshuffled distribution was lucky with its ordering.
type MonteCarloSummary struct {
	Iterations        int
	FinalEquityP5     float64
	FinalEquityP50    float64
	FinalEquityP95    float64
	MaxDrawdownPctP50 float64
	MaxDrawdownPctP95 float64
}

// MonteCarlo reshuffles the run's closed-trade P&Ls with a fixed seed and
// summarizes final equity and drawdown across iterations. Returns a zero
// summary when the run has no trades.
func MonteCarlo(run Run, initialCapital float64, iterations int, seed int64) MonteCarloSummary {
	if len(run.Trades) == 0 || iterations <= 0 {
		return MonteCarloSummary{}
	}
	rng := rand.New(rand.NewSource(seed))

	pnls := make([]float64, len(run.Trades))
	for i, t := range run.Trades {
		pnls[i] = t.PnL
	}

	finals := make([]float64, 0, iterations)
	drawdowns := make([]float64, 0, iterations)
	shuffled := make([]float64, len(pnls))
	for it := 0; it < iterations; it++ {
		copy(shuffled, pnls)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		equity := initialCapital
		peak := equity
		var maxDD float64
		for _, pnl := range shuffled {
			equity += pnl
			if equity > peak {
				peak = equity
			}
			if peak > 0 {
				if dd := (peak - equity) / peak; dd > maxDD {
					maxDD = dd
				}
			}
		}
		finals = append(finals, equity)
		drawdowns = append(drawdowns, maxDD*100)
	}
	sort.Float64s(finals)
	sort.Float64s(drawdowns)

	return MonteCarloSummary{
		Iterations:        iterations,
		FinalEquityP5:     percentile(finals, 0.05),
		FinalEquityP50:    percentile(finals, 0.50),
		FinalEquityP95:    percentile(finals, 0.95),
		MaxDrawdownPctP50: percentile(drawdowns, 0.50),
		MaxDrawdownPctP95: percentile(drawdowns, 0.95),
	}
}

// percentile reads from a sorted slice by nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
