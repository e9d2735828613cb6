// Package regime classifies recent market behavior per symbol and maps
// regimes to strategy eligibility and position scaling.
package regime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// Regime is a classification of recent market behavior.
type Regime string

const (
	RegimeTrendingUp   Regime = "TRENDING_UP"
	RegimeTrendingDown Regime = "TRENDING_DOWN"
	RegimeRanging      Regime = "RANGING"
	RegimeHighVol      Regime = "HIGH_VOLATILITY"
	RegimeCrisis       Regime = "CRISIS"
	RegimeUnknown      Regime = "UNKNOWN"
)

// Classification thresholds.
const (
	crisisVol      = 0.50
	crisisDrawdown = 0.15
	highVolLevel   = 0.30
	trendADX       = 25.0
	rangeADX       = 20.0

	// MinFitness is the eligibility floor used by the veto chain.
	MinFitness = 0.20

	minBars      = 60
	volLookback  = 21 // 20 daily returns
	ddLookback   = 60
	adxPeriod    = 14
	fastMA       = 50
	slowMA       = 200
)

// Snapshot is one classification result with its inputs.
type Snapshot struct {
	Symbol        string
	Regime        Regime
	ADX           float64
	PlusDI        float64
	MinusDI       float64
	AnnualizedVol float64
	Drawdown      float64
	At            time.Time
}

// PositionScale returns the position scale factor for the regime.
func (r Regime) PositionScale() float64 {
	switch r {
	case RegimeTrendingUp:
		return 1.0
	case RegimeRanging:
		return 0.7
	case RegimeTrendingDown:
		return 0.5
	case RegimeHighVol:
		return 0.3
	case RegimeCrisis:
		return 0.0
	default:
		return 0.5
	}
}

// Classifier computes and caches per-symbol regime snapshots.
type Classifier struct {
	mu     sync.RWMutex
	latest map[string]Snapshot
	logger *zap.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(logger *zap.Logger) *Classifier {
	return &Classifier{
		latest: make(map[string]Snapshot),
		logger: logger.Named("regime"),
	}
}

// Classify computes the regime for a symbol from its daily bars, oldest
// first. Fewer than 60 bars yields UNKNOWN.
func (c *Classifier) Classify(symbol string, bars []types.Bar) Snapshot {
	snap := Snapshot{Symbol: symbol, Regime: RegimeUnknown}
	if len(bars) > 0 {
		snap.At = bars[len(bars)-1].Timestamp
	}
	if len(bars) < minBars {
		c.remember(snap)
		return snap
	}

	closes := indicators.Closes(bars)

	if n := len(closes); n >= volLookback {
		returns := indicators.LogReturns(closes[n-volLookback:])
		snap.AnnualizedVol = indicators.AnnualizedVol(returns)
	}
	ddWindow := closes
	if len(ddWindow) > ddLookback {
		ddWindow = ddWindow[len(ddWindow)-ddLookback:]
	}
	snap.Drawdown = indicators.MaxDrawdown(ddWindow)

	if dmi, err := indicators.ADX(bars, adxPeriod); err == nil {
		snap.ADX = dmi.ADX
		snap.PlusDI = dmi.PlusDI
		snap.MinusDI = dmi.MinusDI
	}

	snap.Regime = c.classify(snap, closes)
	c.remember(snap)
	return snap
}

func (c *Classifier) classify(snap Snapshot, closes []float64) Regime {
	if snap.AnnualizedVol > crisisVol || snap.Drawdown > crisisDrawdown {
		return RegimeCrisis
	}
	if snap.AnnualizedVol > highVolLevel {
		return RegimeHighVol
	}
	if snap.ADX >= trendADX {
		maFast, errF := indicators.SMA(closes, min(fastMA, len(closes)))
		maSlow, errS := indicators.SMA(closes, min(slowMA, len(closes)))
		if errF == nil && errS == nil {
			if snap.PlusDI > snap.MinusDI && maFast >= maSlow {
				return RegimeTrendingUp
			}
			if snap.MinusDI > snap.PlusDI && maFast <= maSlow {
				return RegimeTrendingDown
			}
		}
	}
	if snap.ADX < rangeADX {
		return RegimeRanging
	}
	// ADX in the 20..25 band without a confirmed trend.
	return RegimeRanging
}

func (c *Classifier) remember(snap Snapshot) {
	c.mu.Lock()
	prev, had := c.latest[snap.Symbol]
	c.latest[snap.Symbol] = snap
	c.mu.Unlock()
	if had && prev.Regime != snap.Regime {
		c.logger.Info("regime change",
			zap.String("symbol", snap.Symbol),
			zap.String("from", string(prev.Regime)),
			zap.String("to", string(snap.Regime)))
	}
}

// Latest returns the last computed snapshot for a symbol.
func (c *Classifier) Latest(symbol string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[symbol]
	return s, ok
}
