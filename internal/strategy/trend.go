package strategy

import (
	"fmt"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// maCrossover goes long when the fast SMA crosses above the slow SMA and
// exits on the reverse cross.
type maCrossover struct {
	baseStrategy
	fast int
	slow int
}

func newMACrossover(name string, fast, slow int) *maCrossover {
	return &maCrossover{
		baseStrategy: newBase(name, types.StrategySwing, regime.FamilyTrend, slow+1),
		fast:         fast,
		slow:         slow,
	}
}

func (s *maCrossover) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	c := closes(w)
	fastNow, _ := indicators.SMA(c, s.fast)
	slowNow, _ := indicators.SMA(c, s.slow)
	fastPrev, _ := indicators.SMA(c[:len(c)-1], s.fast)
	slowPrev, _ := indicators.SMA(c[:len(c)-1], s.slow)

	pos := p.PositionFor(bar.Symbol)
	crossedUp := fastPrev <= slowPrev && fastNow > slowNow
	crossedDown := fastPrev >= slowPrev && fastNow < slowNow

	if pos > 0 && crossedDown {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.9, Reason: "fast MA crossed below slow MA"}
	}
	if pos == 0 && crossedUp {
		spread := (fastNow - slowNow) / slowNow
		return entry(types.DirectionLong, 0.6+spread*20, fmt.Sprintf("MA(%d) crossed above MA(%d)", s.fast, s.slow))
	}
	return types.Neutral("no crossover")
}

// tripleEMA requires all three EMAs stacked in trend order before entering.
type tripleEMA struct {
	baseStrategy
	fast, mid, slow int
}

func newTripleEMA(name string, fast, mid, slow int) *tripleEMA {
	return &tripleEMA{
		baseStrategy: newBase(name, types.StrategySwing, regime.FamilyTrend, slow+1),
		fast:         fast,
		mid:          mid,
		slow:         slow,
	}
}

func (s *tripleEMA) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	c := closes(w)
	fast, _ := indicators.EMA(c, s.fast)
	mid, _ := indicators.EMA(c, s.mid)
	slow, _ := indicators.EMA(c, s.slow)

	pos := p.PositionFor(bar.Symbol)
	stackedUp := fast > mid && mid > slow

	if pos > 0 && !stackedUp {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "EMA stack broken"}
	}
	if pos == 0 && stackedUp && bar.Close > fast {
		return entry(types.DirectionLong, 0.65, "EMAs stacked bullish")
	}
	return types.Neutral("EMAs not aligned")
}

// adxTrend trades in the DI direction when ADX confirms a trend.
type adxTrend struct {
	baseStrategy
	period int
}

func newADXTrend(name string, period int) *adxTrend {
	return &adxTrend{
		baseStrategy: newBase(name, types.StrategySwing, regime.FamilyTrend, 2*period+2),
		period:       period,
	}
}

func (s *adxTrend) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	dmi, err := indicators.ADX(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for ADX")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && (dmi.ADX < 20 || dmi.MinusDI > dmi.PlusDI) {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "trend weakened"}
	}
	if pos < 0 && (dmi.ADX < 20 || dmi.PlusDI > dmi.MinusDI) {
		return types.TradeSignal{Direction: types.DirectionExitShort, Confidence: 0.8, Reason: "trend weakened"}
	}
	if pos == 0 && dmi.ADX >= 25 {
		if dmi.PlusDI > dmi.MinusDI {
			return entry(types.DirectionLong, 0.6+dmi.ADX/200, "ADX trend up")
		}
		return entry(types.DirectionShort, 0.6+dmi.ADX/200, "ADX trend down")
	}
	return types.Neutral("no confirmed trend")
}

// ichimokuTrend goes long above a bullish cloud and exits below the kijun.
type ichimokuTrend struct {
	baseStrategy
}

func newIchimoku(name string) *ichimokuTrend {
	return &ichimokuTrend{baseStrategy: newBase(name, types.StrategySwing, regime.FamilyTrend, 52)}
}

func (s *ichimokuTrend) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	ich, err := indicators.Ichimoku(w)
	if err != nil {
		return types.Neutral("insufficient data for ichimoku")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close < ich.Kijun {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "close below kijun"}
	}
	if pos == 0 && ich.Bullish {
		return entry(types.DirectionLong, 0.7, "price above bullish cloud")
	}
	return types.Neutral("cloud not bullish")
}

// keltnerBreakout enters on a close beyond the Keltner channel.
type keltnerBreakout struct {
	baseStrategy
	period int
}

func newKeltnerBreakout(name string, period int) *keltnerBreakout {
	return &keltnerBreakout{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyTrend, period+15),
		period:       period,
	}
}

func (s *keltnerBreakout) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	bands, err := indicators.Keltner(w, s.period, 14, 2)
	if err != nil {
		return types.Neutral("insufficient data for keltner")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close < bands.Middle {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "fell back to channel middle"}
	}
	if pos < 0 && bar.Close > bands.Middle {
		return types.TradeSignal{Direction: types.DirectionExitShort, Confidence: 0.75, Reason: "rose back to channel middle"}
	}
	if pos == 0 {
		if bar.Close > bands.Upper {
			return entry(types.DirectionLong, 0.65, "close above keltner upper band")
		}
		if bar.Close < bands.Lower {
			return entry(types.DirectionShort, 0.65, "close below keltner lower band")
		}
	}
	return types.Neutral("inside channel")
}

// donchianBreakout enters on a close beyond the prior N-bar extreme.
type donchianBreakout struct {
	baseStrategy
	period int
}

func newDonchianBreakout(name string, period int) *donchianBreakout {
	return &donchianBreakout{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyTrend, period+2),
		period:       period,
	}
}

func (s *donchianBreakout) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	high, low, err := indicators.Donchian(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for donchian")
	}
	mid := (high + low) / 2

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close < mid {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "fell below channel midpoint"}
	}
	if pos < 0 && bar.Close > mid {
		return types.TradeSignal{Direction: types.DirectionExitShort, Confidence: 0.75, Reason: "rose above channel midpoint"}
	}
	if pos == 0 {
		if bar.Close > high {
			return entry(types.DirectionLong, 0.7, fmt.Sprintf("close above %d-bar high", s.period))
		}
		if bar.Close < low {
			return entry(types.DirectionShort, 0.7, fmt.Sprintf("close below %d-bar low", s.period))
		}
	}
	return types.Neutral("inside channel")
}

// openingRange trades a breakout of the session's first N-minute range.
// The range resets whenever the bar date changes.
type openingRange struct {
	baseStrategy
	rangeBars int
	day       string
	count     int
	high      float64
	low       float64
}

func newOpeningRange(name string, rangeBars int) *openingRange {
	return &openingRange{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyTrend, 1),
		rangeBars:    rangeBars,
	}
}

func (s *openingRange) Reset() {
	s.baseStrategy.Reset()
	s.day = ""
	s.count = 0
}

func (s *openingRange) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	s.addBar(bar)
	day := bar.Timestamp.Format("2006-01-02")
	if day != s.day {
		s.day = day
		s.count = 0
		s.high = bar.High
		s.low = bar.Low
	}
	s.count++

	if s.count <= s.rangeBars {
		if bar.High > s.high {
			s.high = bar.High
		}
		if bar.Low < s.low {
			s.low = bar.Low
		}
		return types.Neutral("building opening range")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos == 0 {
		if bar.Close > s.high {
			return entry(types.DirectionLong, 0.65, "opening range breakout up")
		}
		if bar.Close < s.low {
			return entry(types.DirectionShort, 0.65, "opening range breakout down")
		}
	}
	return types.Neutral("inside opening range")
}
