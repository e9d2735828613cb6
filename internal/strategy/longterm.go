package strategy

import (
	"fmt"
	"math"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// dca accumulates on a fixed bar cadence regardless of price, the classic
// dollar-cost-averaging schedule expressed in bars.
type dca struct {
	baseStrategy
	cadence int
	since   int
}

func newDCA(name string, cadence int) *dca {
	return &dca{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, 1),
		cadence:      cadence,
	}
}

func (s *dca) Reset() {
	s.baseStrategy.Reset()
	s.since = 0
}

func (s *dca) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	s.addBar(bar)
	s.since++
	if s.since >= s.cadence {
		s.since = 0
		return entry(types.DirectionLong, 0.61, fmt.Sprintf("scheduled accumulation every %d bars", s.cadence))
	}
	return types.Neutral("between accumulation dates")
}

// rebalancing trims when the position drifts above target weight and adds
// when it drifts below, using a symmetric band around the last entry price.
type rebalancing struct {
	baseStrategy
	band float64
}

func newRebalancing(name string, band float64) *rebalancing {
	return &rebalancing{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, 2),
		band:         band,
	}
}

func (s *rebalancing) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	pos := p.PositionFor(bar.Symbol)
	anchor := p.AvgEntry[bar.Symbol]

	if pos > 0 && anchor > 0 {
		drift := (bar.Close - anchor) / anchor
		if drift > s.band {
			return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.7,
				Reason: fmt.Sprintf("position %.1f%% above target band", drift*100)}
		}
		return types.Neutral("within rebalance band")
	}
	if pos == 0 {
		// Re-enter after a drop below the band relative to the recent mean.
		mean, err := indicators.SMA(closes(w), len(w))
		if err == nil && bar.Close < mean*(1-s.band) {
			return entry(types.DirectionLong, 0.6, "price below target band")
		}
	}
	return types.Neutral("no rebalance needed")
}

// drip re-invests on a long cadence, but only while the long trend holds.
type drip struct {
	baseStrategy
	cadence int
	since   int
}

func newDRIP(name string, cadence int) *drip {
	return &drip{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, 50),
		cadence:      cadence,
	}
}

func (s *drip) Reset() {
	s.baseStrategy.Reset()
	s.since = 0
}

func (s *drip) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	s.since++
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	if s.since < s.cadence {
		return types.Neutral("between reinvestment dates")
	}
	ma, err := indicators.SMA(closes(w), 50)
	if err != nil {
		return types.Neutral("insufficient data")
	}
	if bar.Close >= ma {
		s.since = 0
		return entry(types.DirectionLong, 0.62, "reinvesting while above 50-bar average")
	}
	return types.Neutral("trend filter blocks reinvestment")
}

// taxLossHarvest exits losers beyond the threshold to realize the loss.
type taxLossHarvest struct {
	baseStrategy
	threshold float64
}

func newTaxLossHarvest(name string, threshold float64) *taxLossHarvest {
	return &taxLossHarvest{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, 1),
		threshold:    threshold,
	}
}

func (s *taxLossHarvest) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	s.addBar(bar)
	pos := p.PositionFor(bar.Symbol)
	anchor := p.AvgEntry[bar.Symbol]
	if pos > 0 && anchor > 0 {
		loss := (anchor - bar.Close) / anchor
		if loss > s.threshold {
			return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.85,
				Reason: fmt.Sprintf("harvesting %.1f%% loss", loss*100)}
		}
	}
	return types.Neutral("no harvestable loss")
}

// pairsSpread trades the z-score of price against its own long trend,
// a single-symbol rendering of a spread reversion.
type pairsSpread struct {
	baseStrategy
	lookback int
}

func newPairsSpread(name string, lookback int) *pairsSpread {
	return &pairsSpread{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, lookback+1),
		lookback:     lookback,
	}
}

func (s *pairsSpread) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	c := closes(w)
	mean, err := indicators.SMA(c, s.lookback)
	if err != nil {
		return types.Neutral("insufficient data")
	}
	sd, err := indicators.StdDev(c, s.lookback)
	if err != nil || sd == 0 {
		return types.Neutral("no spread variance")
	}
	z := (bar.Close - mean) / sd

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && z >= 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "spread converged"}
	}
	if pos == 0 && z < -2 {
		return entry(types.DirectionLong, 0.6+math.Min(0.25, (-z-2)/4), fmt.Sprintf("spread z-score %.2f", z))
	}
	return types.Neutral("spread within range")
}

// dualMomentum combines absolute and relative momentum filters.
type dualMomentum struct {
	baseStrategy
	slow int
	fast int
}

func newDualMomentum(name string, slow, fast int) *dualMomentum {
	return &dualMomentum{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, slow+1),
		slow:         slow,
		fast:         fast,
	}
}

func (s *dualMomentum) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	slowRef := w[len(w)-1-s.slow].Close
	fastRef := w[len(w)-1-s.fast].Close
	if slowRef == 0 || fastRef == 0 {
		return types.Neutral("zero reference price")
	}
	slowMom := (bar.Close - slowRef) / slowRef
	fastMom := (bar.Close - fastRef) / fastRef

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && slowMom < 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "absolute momentum negative"}
	}
	if pos == 0 && slowMom > 0 && fastMom > 0 {
		return entry(types.DirectionLong, 0.63, "both momentum horizons positive")
	}
	return types.Neutral("momentum filters not aligned")
}

// qualityTrend holds only while price stays above its long-term average,
// a proxy for owning quality through drawdown-free stretches.
type qualityTrend struct {
	baseStrategy
	period int
}

func newQualityTrend(name string, period int) *qualityTrend {
	return &qualityTrend{
		baseStrategy: newBase(name, types.StrategyLongTerm, regime.FamilyLongTerm, period+1),
		period:       period,
	}
}

func (s *qualityTrend) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	ma, err := indicators.SMA(closes(w), s.period)
	if err != nil {
		return types.Neutral("insufficient data")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close < ma*0.97 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "broke long-term average"}
	}
	if pos == 0 && bar.Close > ma {
		return entry(types.DirectionLong, 0.61, fmt.Sprintf("above %d-bar average", s.period))
	}
	return types.Neutral("below long-term average")
}
