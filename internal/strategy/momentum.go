package strategy

import (
	"fmt"
	"math"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// momentumPct enters when the period return exceeds the threshold.
type momentumPct struct {
	baseStrategy
	period    int
	threshold float64
}

func newMomentumPct(name string, period int, threshold float64) *momentumPct {
	return &momentumPct{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMomentum, period+1),
		period:       period,
		threshold:    threshold,
	}
}

func (s *momentumPct) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	past := w[len(w)-1-s.period].Close
	if past == 0 {
		return types.Neutral("zero reference price")
	}
	mom := (bar.Close - past) / past

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && mom < 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "momentum turned negative"}
	}
	if pos < 0 && mom > 0 {
		return types.TradeSignal{Direction: types.DirectionExitShort, Confidence: 0.8, Reason: "momentum turned positive"}
	}
	if pos == 0 {
		if mom > s.threshold {
			return entry(types.DirectionLong, 0.6+math.Min(0.3, mom/s.threshold/10), fmt.Sprintf("%.1f%% momentum over %d bars", mom*100, s.period))
		}
		if mom < -s.threshold {
			return entry(types.DirectionShort, 0.6+math.Min(0.3, -mom/s.threshold/10), fmt.Sprintf("%.1f%% momentum over %d bars", mom*100, s.period))
		}
	}
	return types.Neutral("momentum below threshold")
}

// macdCross trades MACD/signal line crosses.
type macdCross struct {
	baseStrategy
	fast, slow, signal int
	prevHist           float64
	primed             bool
}

func newMACDCross(name string, fast, slow, signal int) *macdCross {
	return &macdCross{
		baseStrategy: newBase(name, types.StrategySwing, regime.FamilyMomentum, slow+signal+1),
		fast:         fast,
		slow:         slow,
		signal:       signal,
	}
}

func (s *macdCross) Reset() {
	s.baseStrategy.Reset()
	s.primed = false
}

func (s *macdCross) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	res, err := indicators.MACD(closes(w), s.fast, s.slow, s.signal)
	if err != nil {
		return types.Neutral("insufficient data for MACD")
	}
	prev := s.prevHist
	primed := s.primed
	s.prevHist = res.Histogram
	s.primed = true

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && primed && prev >= 0 && res.Histogram < 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.85, Reason: "MACD crossed below signal"}
	}
	if pos == 0 && primed && prev <= 0 && res.Histogram > 0 && res.MACD > 0 {
		return entry(types.DirectionLong, 0.68, "MACD crossed above signal")
	}
	return types.Neutral("no MACD cross")
}

// balanceOfPower follows sustained buying or selling pressure.
type balanceOfPower struct {
	baseStrategy
	period int
}

func newBalanceOfPower(name string, period int) *balanceOfPower {
	return &balanceOfPower{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMomentum, period+1),
		period:       period,
	}
}

func (s *balanceOfPower) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	bop, err := indicators.BalanceOfPower(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for BOP")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bop < 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "buying pressure faded"}
	}
	if pos == 0 && bop > 0.3 {
		return entry(types.DirectionLong, 0.6+bop/3, fmt.Sprintf("sustained buying pressure %.2f", bop))
	}
	return types.Neutral("balanced pressure")
}

// aroonMomentum enters when aroon-up dominates.
type aroonMomentum struct {
	baseStrategy
	period int
}

func newAroon(name string, period int) *aroonMomentum {
	return &aroonMomentum{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMomentum, period+2),
		period:       period,
	}
}

func (s *aroonMomentum) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	up, down, err := indicators.Aroon(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for aroon")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && down > up {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "aroon down took over"}
	}
	if pos == 0 && up > 70 && down < 30 {
		return entry(types.DirectionLong, 0.64, "aroon up dominant")
	}
	return types.Neutral("no aroon dominance")
}

// rocMomentum requires the rate of change to exceed a percent hurdle.
type rocMomentum struct {
	baseStrategy
	period int
	hurdle float64
}

func newROCMomentum(name string, period int, hurdle float64) *rocMomentum {
	return &rocMomentum{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMomentum, period+2),
		period:       period,
		hurdle:       hurdle,
	}
}

func (s *rocMomentum) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	roc, err := indicators.ROC(closes(w), s.period)
	if err != nil {
		return types.Neutral("insufficient data for ROC")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && roc < 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "ROC turned negative"}
	}
	if pos == 0 && roc > s.hurdle {
		return entry(types.DirectionLong, 0.6+math.Min(0.25, roc/100), fmt.Sprintf("ROC %.1f%% above hurdle", roc))
	}
	return types.Neutral("ROC below hurdle")
}

// bollingerSqueeze waits for a volatility squeeze and trades the expansion.
type bollingerSqueeze struct {
	baseStrategy
	period    int
	prevWidth float64
	primed    bool
}

func newBollingerSqueeze(name string, period int) *bollingerSqueeze {
	return &bollingerSqueeze{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMomentum, period+20),
		period:       period,
	}
}

func (s *bollingerSqueeze) Reset() {
	s.baseStrategy.Reset()
	s.primed = false
}

func (s *bollingerSqueeze) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	bb, err := indicators.Bollinger(closes(w), s.period, 2)
	if err != nil {
		return types.Neutral("insufficient data for bollinger")
	}
	kc, err := indicators.Keltner(w, s.period, 14, 1.5)
	if err != nil {
		return types.Neutral("insufficient data for keltner")
	}
	width := bb.Upper - bb.Lower
	prev := s.prevWidth
	primed := s.primed
	s.prevWidth = width
	s.primed = true

	// Squeeze: bollinger inside keltner. Fire on expansion.
	squeezed := bb.Upper < kc.Upper && bb.Lower > kc.Lower

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close < bb.Middle {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "fell below band middle"}
	}
	if pos == 0 && primed && !squeezed && width > prev*1.1 && bar.Close > bb.Middle {
		return entry(types.DirectionLong, 0.66, "volatility expansion after squeeze")
	}
	return types.Neutral("no squeeze release")
}
