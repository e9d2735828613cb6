package strategy

import (
	"fmt"
	"math"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// bollingerReversion buys at the lower band and exits at the middle.
type bollingerReversion struct {
	baseStrategy
	period int
	mult   float64
}

func newBollingerReversion(name string, period int, mult float64) *bollingerReversion {
	return &bollingerReversion{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+1),
		period:       period,
		mult:         mult,
	}
}

func (s *bollingerReversion) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	bands, err := indicators.Bollinger(closes(w), s.period, s.mult)
	if err != nil {
		return types.Neutral("insufficient data for bollinger")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close >= bands.Middle {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "reverted to band middle"}
	}
	if pos == 0 && bar.Close < bands.Lower {
		depth := (bands.Lower - bar.Close) / (bands.Middle - bands.Lower + 1e-9)
		return entry(types.DirectionLong, 0.62+depth, fmt.Sprintf("close below lower band (%.1fσ)", s.mult))
	}
	return types.Neutral("inside bands")
}

// rsiReversion buys oversold and exits when RSI normalizes.
type rsiReversion struct {
	baseStrategy
	period     int
	oversold   float64
	overbought float64
}

func newRSIReversion(name string, period int, oversold, overbought float64) *rsiReversion {
	return &rsiReversion{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+2),
		period:       period,
		oversold:     oversold,
		overbought:   overbought,
	}
}

func (s *rsiReversion) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	rsi, err := indicators.RSI(closes(w), s.period)
	if err != nil {
		return types.Neutral("insufficient data for RSI")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && rsi >= 50 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "RSI normalized"}
	}
	if pos == 0 && rsi < s.oversold {
		return entry(types.DirectionLong, 0.6+(s.oversold-rsi)/100, fmt.Sprintf("RSI %.1f oversold", rsi))
	}
	return types.Neutral("RSI in neutral zone")
}

// stochasticReversion buys when %K crosses up out of the oversold zone.
type stochasticReversion struct {
	baseStrategy
	period int
	prevK  float64
	primed bool
}

func newStochasticReversion(name string, period int) *stochasticReversion {
	return &stochasticReversion{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+3),
		period:       period,
	}
}

func (s *stochasticReversion) Reset() {
	s.baseStrategy.Reset()
	s.primed = false
}

func (s *stochasticReversion) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	k, d, err := indicators.Stochastic(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for stochastic")
	}
	prev := s.prevK
	primed := s.primed
	s.prevK = k
	s.primed = true

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && k >= 70 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "stochastic overbought"}
	}
	if pos == 0 && primed && prev < 20 && k >= 20 && k > d {
		return entry(types.DirectionLong, 0.65, "stochastic crossed up from oversold")
	}
	return types.Neutral("no stochastic setup")
}

// williamsR mirrors the stochastic on the Williams %R scale (-100..0).
type williamsR struct {
	baseStrategy
	period int
}

func newWilliamsR(name string, period int) *williamsR {
	return &williamsR{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+3),
		period:       period,
	}
}

func (s *williamsR) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	k, _, err := indicators.Stochastic(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for williams %R")
	}
	wr := k - 100 // %R = %K - 100

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && wr >= -50 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "williams %R normalized"}
	}
	if pos == 0 && wr < -80 {
		return entry(types.DirectionLong, 0.62, fmt.Sprintf("williams %%R %.1f oversold", wr))
	}
	return types.Neutral("williams %R neutral")
}

// pivotPoints fades moves to the prior day's S1/R1 levels.
type pivotPoints struct {
	baseStrategy
	day     string
	prevDay types.Bar
	havePrev bool
	dayOpen  types.Bar
	haveDay  bool
}

func newPivotPoints(name string) *pivotPoints {
	return &pivotPoints{baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyMeanReversion, 1)}
}

func (s *pivotPoints) Reset() {
	s.baseStrategy.Reset()
	s.day = ""
	s.havePrev = false
	s.haveDay = false
}

func (s *pivotPoints) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	s.addBar(bar)
	day := bar.Timestamp.Format("2006-01-02")
	if day != s.day {
		if s.haveDay {
			s.prevDay = s.dayOpen
			s.havePrev = true
		}
		s.day = day
		s.dayOpen = bar
		s.haveDay = true
	} else {
		// Aggregate today's session bar for tomorrow's pivots.
		if bar.High > s.dayOpen.High {
			s.dayOpen.High = bar.High
		}
		if bar.Low < s.dayOpen.Low {
			s.dayOpen.Low = bar.Low
		}
		s.dayOpen.Close = bar.Close
	}
	if !s.havePrev {
		return types.Neutral("Warming up (waiting for prior session)")
	}

	levels := indicators.Pivots(s.prevDay)
	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close >= levels.Pivot {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "reached pivot"}
	}
	if pos == 0 && bar.Close <= levels.S1 && bar.Close > levels.S2 {
		return entry(types.DirectionLong, 0.65, "bounced off S1 support")
	}
	return types.Neutral("away from pivot levels")
}

// atrChannel fades closes beyond an SMA +/- multiplier*ATR envelope.
type atrChannel struct {
	baseStrategy
	period int
	mult   float64
}

func newATRChannel(name string, period int, mult float64) *atrChannel {
	return &atrChannel{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+2),
		period:       period,
		mult:         mult,
	}
}

func (s *atrChannel) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	mid, err := indicators.SMA(closes(w), s.period)
	if err != nil {
		return types.Neutral("insufficient data")
	}
	atr, err := indicators.ATR(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for ATR")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close >= mid {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "reverted to channel mean"}
	}
	if pos == 0 && bar.Close < mid-s.mult*atr {
		return entry(types.DirectionLong, 0.63, fmt.Sprintf("close %.1f ATRs below mean", s.mult))
	}
	return types.Neutral("inside ATR channel")
}

// cciReversion buys extreme negative CCI readings.
type cciReversion struct {
	baseStrategy
	period int
}

func newCCIReversion(name string, period int) *cciReversion {
	return &cciReversion{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+1),
		period:       period,
	}
}

func (s *cciReversion) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	cci, err := indicators.CCI(w, s.period)
	if err != nil {
		return types.Neutral("insufficient data for CCI")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && cci >= 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "CCI back to zero"}
	}
	if pos == 0 && cci < -100 {
		return entry(types.DirectionLong, 0.6+math.Min(0.2, (-100-cci)/500), fmt.Sprintf("CCI %.0f oversold", cci))
	}
	return types.Neutral("CCI in neutral zone")
}

// vwapReversion fades stretched distance from rolling VWAP.
type vwapReversion struct {
	baseStrategy
	window int
}

func newVWAPReversion(name string, window int) *vwapReversion {
	return &vwapReversion{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyMeanReversion, window),
		window:       window,
	}
}

func (s *vwapReversion) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	vwap, err := indicators.VWAP(w[len(w)-s.window:])
	if err != nil || vwap == 0 {
		return types.Neutral("insufficient data for VWAP")
	}
	stretch := (bar.Close - vwap) / vwap

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close >= vwap {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "reverted to VWAP"}
	}
	if pos == 0 && stretch < -0.01 {
		return entry(types.DirectionLong, 0.6+math.Min(0.25, -stretch*10), "stretched below VWAP")
	}
	return types.Neutral("near VWAP")
}

// keltnerReversion fades closes outside the Keltner channel back to the
// middle, the opposite play to keltnerBreakout.
type keltnerReversion struct {
	baseStrategy
	period int
}

func newKeltnerReversion(name string, period int) *keltnerReversion {
	return &keltnerReversion{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilyMeanReversion, period+15),
		period:       period,
	}
}

func (s *keltnerReversion) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	bands, err := indicators.Keltner(w, s.period, 14, 2)
	if err != nil {
		return types.Neutral("insufficient data for keltner")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close >= bands.Middle {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "reverted to channel middle"}
	}
	if pos == 0 && bar.Close < bands.Lower {
		return entry(types.DirectionLong, 0.62, "close below keltner lower band")
	}
	return types.Neutral("inside channel")
}

// gapFade fades opening gaps larger than the threshold.
type gapFade struct {
	baseStrategy
	threshold float64
	day       string
	prevClose float64
	havePrev  bool
	traded    bool
}

func newGapFade(name string, threshold float64) *gapFade {
	return &gapFade{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyMeanReversion, 1),
		threshold:    threshold,
	}
}

func (s *gapFade) Reset() {
	s.baseStrategy.Reset()
	s.day = ""
	s.havePrev = false
	s.traded = false
}

func (s *gapFade) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	s.addBar(bar)
	day := bar.Timestamp.Format("2006-01-02")
	newDay := day != s.day
	if newDay {
		s.day = day
		s.traded = false
	}
	defer func() { s.prevClose = bar.Close; s.havePrev = true }()

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && s.havePrev && bar.Close >= s.prevClose {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.8, Reason: "gap filled"}
	}
	if newDay && s.havePrev && !s.traded && pos == 0 {
		gap := (bar.Open - s.prevClose) / s.prevClose
		if gap < -s.threshold {
			s.traded = true
			return entry(types.DirectionLong, 0.65, fmt.Sprintf("fading %.1f%% gap down", gap*100))
		}
	}
	return types.Neutral("no fadable gap")
}
