// Package sizing computes position sizes from account equity, risk
// parameters and trade statistics.
package sizing

import (
	"math"

	"go.uber.org/zap"
)

// Hard cap: no single position may exceed this fraction of equity,
// regardless of method.
const MaxPositionFraction = 0.10

// TradeStats summarizes closed-trade history for Kelly sizing.
type TradeStats struct {
	WinRate float64 // 0..1
	AvgWin  float64 // TWD per share, positive
	AvgLoss float64 // TWD per share, positive
	Trades  int
}

// Valid reports whether the stats are usable for Kelly sizing.
func (s TradeStats) Valid() bool {
	return s.Trades >= 10 && s.AvgLoss > 0 && s.WinRate > 0 && s.WinRate < 1
}

// Sizer converts risk budgets to share counts.
type Sizer struct {
	riskPerTrade float64 // fraction of equity risked per trade
	logger       *zap.Logger
}

// NewSizer creates a Sizer. riskPerTrade is the fraction of equity risked
// on a fixed-risk or ATR-based trade (for example 0.01).
func NewSizer(riskPerTrade float64, logger *zap.Logger) *Sizer {
	if riskPerTrade <= 0 {
		riskPerTrade = 0.01
	}
	return &Sizer{riskPerTrade: riskPerTrade, logger: logger.Named("sizing")}
}

// cap clips shares so that shares*price never exceeds the hard fraction cap.
func (s *Sizer) cap(shares int64, equity, price float64) int64 {
	if price <= 0 {
		return 0
	}
	maxShares := int64(math.Floor(equity * MaxPositionFraction / price))
	if shares > maxShares {
		shares = maxShares
	}
	if shares < 0 {
		return 0
	}
	return shares
}

// FixedRisk risks riskPerTrade of equity against the distance to the stop.
func (s *Sizer) FixedRisk(equity, price, stopDistance float64) int64 {
	if stopDistance <= 0 || price <= 0 || equity <= 0 {
		return 0
	}
	shares := int64(math.Floor(equity * s.riskPerTrade / stopDistance))
	return s.cap(shares, equity, price)
}

// ATRBased risks riskPerTrade of equity against multiplier x ATR.
func (s *Sizer) ATRBased(equity, price, atr, multiplier float64) int64 {
	if atr <= 0 || multiplier <= 0 {
		return 0
	}
	return s.FixedRisk(equity, price, multiplier*atr)
}

// Kelly returns the full-Kelly position value as shares.
// f* = p - q/b where b = avgWin/avgLoss.
func (s *Sizer) Kelly(equity, price float64, stats TradeStats) int64 {
	f := kellyFraction(stats)
	if f <= 0 || price <= 0 {
		return 0
	}
	shares := int64(math.Floor(equity * f / price))
	return s.cap(shares, equity, price)
}

// HalfKelly returns half the Kelly fraction, the default live method.
func (s *Sizer) HalfKelly(equity, price float64, stats TradeStats) int64 {
	f := kellyFraction(stats) / 2
	if f <= 0 || price <= 0 {
		return 0
	}
	shares := int64(math.Floor(equity * f / price))
	return s.cap(shares, equity, price)
}

// VolatilityTarget scales baseShares by targetVol/currentVol, clipped to
// [0.1, 2.0].
func (s *Sizer) VolatilityTarget(equity, price float64, baseShares int64, targetVol, currentVol float64) int64 {
	if currentVol <= 0 || targetVol <= 0 || baseShares <= 0 {
		return 0
	}
	scale := targetVol / currentVol
	if scale < 0.1 {
		scale = 0.1
	}
	if scale > 2.0 {
		scale = 2.0
	}
	shares := int64(math.Floor(float64(baseShares) * scale))
	return s.cap(shares, equity, price)
}

// Recommend picks Half-Kelly when trade statistics are usable, ATR-based
// when an ATR is available, and fixed-risk otherwise.
func (s *Sizer) Recommend(equity, price, atr float64, stats TradeStats) int64 {
	switch {
	case stats.Valid():
		return s.HalfKelly(equity, price, stats)
	case atr > 0:
		return s.ATRBased(equity, price, atr, 2.0)
	default:
		// Fall back to a 2% stop distance.
		return s.FixedRisk(equity, price, price*0.02)
	}
}

func kellyFraction(stats TradeStats) float64 {
	if !stats.Valid() {
		return 0
	}
	b := stats.AvgWin / stats.AvgLoss
	if b <= 0 {
		return 0
	}
	p := stats.WinRate
	q := 1 - p
	f := p - q/b
	if f < 0 {
		return 0
	}
	return f
}
