package strategy

import (
	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// vwapExecution accumulates only when price trades at or below rolling VWAP,
// the classic cost-minimizing entry filter.
type vwapExecution struct {
	baseStrategy
	window int
}

func newVWAPExecution(name string, window int) *vwapExecution {
	return &vwapExecution{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyExecution, window),
		window:       window,
	}
}

func (s *vwapExecution) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	vwap, err := indicators.VWAP(w[len(w)-s.window:])
	if err != nil {
		return types.Neutral("insufficient data for VWAP")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close > vwap*1.01 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.7, Reason: "filled above VWAP target"}
	}
	if pos == 0 && bar.Close <= vwap && bar.Close > vwap*0.995 {
		return entry(types.DirectionLong, 0.61, "price at or just below VWAP")
	}
	return types.Neutral("waiting for VWAP touch")
}

// twapExecution slices a participation decision across evenly spaced bars:
// it only signals on every Nth bar of the session so fills average over time.
type twapExecution struct {
	baseStrategy
	slices int
	day    string
	count  int
}

func newTWAPExecution(name string, slices int) *twapExecution {
	return &twapExecution{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyExecution, 10),
		slices:       slices,
	}
}

func (s *twapExecution) Reset() {
	s.baseStrategy.Reset()
	s.day = ""
	s.count = 0
}

func (s *twapExecution) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	day := bar.Timestamp.Format("2006-01-02")
	if day != s.day {
		s.day = day
		s.count = 0
	}
	s.count++
	if len(w) < s.warmup {
		return s.warming(len(w))
	}

	interval := s.slices / 3
	if interval < 1 {
		interval = 1
	}
	pos := p.PositionFor(bar.Symbol)
	if s.count%interval != 0 {
		return types.Neutral("between TWAP slices")
	}
	// Buy a slice below the short average, take profit above it.
	avg, err := indicators.SMA(closes(w), s.warmup)
	if err != nil {
		return types.Neutral("insufficient data")
	}
	if pos > 0 && bar.Close > avg*1.01 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.7, Reason: "TWAP slice target reached"}
	}
	if pos == 0 && bar.Close <= avg {
		return entry(types.DirectionLong, 0.6, "TWAP slice at favorable price")
	}
	return types.Neutral("unfavorable slice price")
}
