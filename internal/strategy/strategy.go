// Package strategy provides the strategy contract, the built-in strategy
// population and the manager that routes bars and arbitrates signals.
package strategy

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/types"
)

// Strategy is the contract every trading strategy implements. Execute must
// be deterministic: no clock reads, no randomness, state only from the bars
// and portfolio it has been given.
type Strategy interface {
	Name() string
	Type() types.StrategyType
	Family() regime.Family
	Execute(p types.Portfolio, bar types.Bar) types.TradeSignal
	Reset()
	WarmupBars() int
}

// BookSource supplies live order-book snapshots to the microstructure
// family. Backtest replays run without one; strategies degrade to
// bar-derived proxies.
type BookSource interface {
	OrderBook(symbol string) (types.OrderBookData, bool)
}

// Registry maps strategy names to factories. Names are stable identifiers
// used in persistence and selection.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Strategy
	books     BookSource
	logger    *zap.Logger
}

// NewRegistry creates a registry with the built-in population registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]func() Strategy),
		logger:    logger.Named("registry"),
	}
	registerBuiltins(r)
	return r
}

// SetBookSource attaches the live order-book feed. Strategies created
// afterwards read books through the registry; nil detaches the feed.
func (r *Registry) SetBookSource(src BookSource) {
	r.mu.Lock()
	r.books = src
	r.mu.Unlock()
}

// OrderBook returns the latest book snapshot for symbol when a source is
// attached.
func (r *Registry) OrderBook(symbol string) (types.OrderBookData, bool) {
	r.mu.RLock()
	src := r.books
	r.mu.RUnlock()
	if src == nil {
		return types.OrderBookData{}, false
	}
	return src.OrderBook(symbol)
}

// Register adds a factory under a stable name.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a fresh strategy by name.
func (r *Registry) Create(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(), nil
}

// List returns all registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// baseStrategy carries the per-symbol bar windows shared by all built-ins.
type baseStrategy struct {
	name    string
	typ     types.StrategyType
	family  regime.Family
	warmup  int
	maxBars int
	windows map[string][]types.Bar
}

func newBase(name string, typ types.StrategyType, family regime.Family, warmup int) baseStrategy {
	maxBars := warmup * 3
	if maxBars < 250 {
		maxBars = 250
	}
	return baseStrategy{
		name:    name,
		typ:     typ,
		family:  family,
		warmup:  warmup,
		maxBars: maxBars,
		windows: make(map[string][]types.Bar),
	}
}

func (b *baseStrategy) Name() string              { return b.name }
func (b *baseStrategy) Type() types.StrategyType  { return b.typ }
func (b *baseStrategy) Family() regime.Family     { return b.family }
func (b *baseStrategy) WarmupBars() int           { return b.warmup }

// Reset drops all accumulated windows.
func (b *baseStrategy) Reset() {
	b.windows = make(map[string][]types.Bar)
}

// addBar appends the bar to its symbol window and returns the window.
func (b *baseStrategy) addBar(bar types.Bar) []types.Bar {
	w := append(b.windows[bar.Symbol], bar)
	if len(w) > b.maxBars {
		w = w[len(w)-b.maxBars:]
	}
	b.windows[bar.Symbol] = w
	return w
}

// warming returns the warm-up NEUTRAL signal while the window is short.
func (b *baseStrategy) warming(have int) types.TradeSignal {
	return types.Neutral(fmt.Sprintf("Warming up (%d/%d bars)", have, b.warmup))
}

// closes extracts close prices from a window.
func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// entry builds an entry signal, exits build exit signals for the open side.
func entry(dir types.Direction, confidence float64, reason string) types.TradeSignal {
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return types.TradeSignal{Direction: dir, Confidence: confidence, Reason: reason}
}

// exitFor returns the exit direction matching an open signed quantity.
func exitFor(signedQty int64) types.Direction {
	if signedQty > 0 {
		return types.DirectionExitLong
	}
	return types.DirectionExitShort
}

// registerBuiltins wires every built-in strategy variant under its stable
// name. Variants of one implementation register as distinct names.
func registerBuiltins(r *Registry) {
	// Trend following.
	r.Register("MA Crossover (5/20)", func() Strategy { return newMACrossover("MA Crossover (5/20)", 5, 20) })
	r.Register("MA Crossover (10/50)", func() Strategy { return newMACrossover("MA Crossover (10/50)", 10, 50) })
	r.Register("MA Crossover (20/60)", func() Strategy { return newMACrossover("MA Crossover (20/60)", 20, 60) })
	r.Register("Triple EMA (5/10/20)", func() Strategy { return newTripleEMA("Triple EMA (5/10/20)", 5, 10, 20) })
	r.Register("Triple EMA (8/21/55)", func() Strategy { return newTripleEMA("Triple EMA (8/21/55)", 8, 21, 55) })
	r.Register("ADX Trend", func() Strategy { return newADXTrend("ADX Trend", 14) })
	r.Register("Ichimoku Cloud", func() Strategy { return newIchimoku("Ichimoku Cloud") })
	r.Register("Keltner Breakout (20)", func() Strategy { return newKeltnerBreakout("Keltner Breakout (20)", 20) })
	r.Register("Keltner Breakout (50)", func() Strategy { return newKeltnerBreakout("Keltner Breakout (50)", 50) })
	r.Register("Donchian Breakout (20)", func() Strategy { return newDonchianBreakout("Donchian Breakout (20)", 20) })
	r.Register("Donchian Breakout (55)", func() Strategy { return newDonchianBreakout("Donchian Breakout (55)", 55) })
	r.Register("Opening Range Breakout", func() Strategy { return newOpeningRange("Opening Range Breakout", 30) })

	// Mean reversion.
	r.Register("Bollinger Reversion (20,2)", func() Strategy { return newBollingerReversion("Bollinger Reversion (20,2)", 20, 2) })
	r.Register("Bollinger Reversion (20,3)", func() Strategy { return newBollingerReversion("Bollinger Reversion (20,3)", 20, 3) })
	r.Register("RSI Reversion (14)", func() Strategy { return newRSIReversion("RSI Reversion (14)", 14, 30, 70) })
	r.Register("RSI Reversion (7)", func() Strategy { return newRSIReversion("RSI Reversion (7)", 7, 20, 80) })
	r.Register("Stochastic Reversion", func() Strategy { return newStochasticReversion("Stochastic Reversion", 14) })
	r.Register("Williams %R", func() Strategy { return newWilliamsR("Williams %R", 14) })
	r.Register("Pivot Points", func() Strategy { return newPivotPoints("Pivot Points") })
	r.Register("ATR Channel (14)", func() Strategy { return newATRChannel("ATR Channel (14)", 14, 2) })
	r.Register("ATR Channel (21)", func() Strategy { return newATRChannel("ATR Channel (21)", 21, 2.5) })
	r.Register("CCI Reversion (14)", func() Strategy { return newCCIReversion("CCI Reversion (14)", 14) })
	r.Register("CCI Reversion (20)", func() Strategy { return newCCIReversion("CCI Reversion (20)", 20) })
	r.Register("VWAP Reversion", func() Strategy { return newVWAPReversion("VWAP Reversion", 30) })
	r.Register("Keltner Reversion", func() Strategy { return newKeltnerReversion("Keltner Reversion", 20) })
	r.Register("Gap Fade", func() Strategy { return newGapFade("Gap Fade", 0.02) })

	// Momentum.
	r.Register("Momentum (10)", func() Strategy { return newMomentumPct("Momentum (10)", 10, 0.02) })
	r.Register("Momentum (20)", func() Strategy { return newMomentumPct("Momentum (20)", 20, 0.03) })
	r.Register("Momentum (60)", func() Strategy { return newMomentumPct("Momentum (60)", 60, 0.05) })
	r.Register("MACD (12/26/9)", func() Strategy { return newMACDCross("MACD (12/26/9)", 12, 26, 9) })
	r.Register("MACD (5/35/5)", func() Strategy { return newMACDCross("MACD (5/35/5)", 5, 35, 5) })
	r.Register("Balance of Power", func() Strategy { return newBalanceOfPower("Balance of Power", 14) })
	r.Register("Aroon (25)", func() Strategy { return newAroon("Aroon (25)", 25) })
	r.Register("ROC (12)", func() Strategy { return newROCMomentum("ROC (12)", 12, 3) })
	r.Register("ROC (25)", func() Strategy { return newROCMomentum("ROC (25)", 25, 5) })
	r.Register("Bollinger Squeeze", func() Strategy { return newBollingerSqueeze("Bollinger Squeeze", 20) })

	// Microstructure.
	r.Register("Order Flow Imbalance", func() Strategy { return newOrderFlow("Order Flow Imbalance", 20, r) })
	r.Register("Volume Spike (20)", func() Strategy { return newVolumeSpike("Volume Spike (20)", 20, 3) })
	r.Register("Volume Breakout (50)", func() Strategy { return newVolumeSpike("Volume Breakout (50)", 50, 4) })

	// Execution.
	r.Register("VWAP Execution", func() Strategy { return newVWAPExecution("VWAP Execution", 30) })
	r.Register("TWAP Execution", func() Strategy { return newTWAPExecution("TWAP Execution", 30) })

	// Long horizon.
	r.Register("DCA", func() Strategy { return newDCA("DCA", 21) })
	r.Register("Band Rebalancing", func() Strategy { return newRebalancing("Band Rebalancing", 0.05) })
	r.Register("DRIP", func() Strategy { return newDRIP("DRIP", 63) })
	r.Register("Tax Loss Harvest", func() Strategy { return newTaxLossHarvest("Tax Loss Harvest", 0.10) })
	r.Register("Pairs Spread", func() Strategy { return newPairsSpread("Pairs Spread", 60) })
	r.Register("Dual Momentum", func() Strategy { return newDualMomentum("Dual Momentum", 63, 21) })
	r.Register("Quality Trend", func() Strategy { return newQualityTrend("Quality Trend", 200) })

	// Sentiment.
	r.Register("News Sentiment Overlay", func() Strategy { return newSentimentOverlay("News Sentiment Overlay") })
}
