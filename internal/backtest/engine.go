// Package backtest replays strategies over historical bars and scores the
// results for auto-selection.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/strategy"
	"github.com/twquant/autotrader/pkg/types"
)

// DefaultInitialCapital is the simulated starting cash in TWD.
const DefaultInitialCapital = 80000

// ClosedTrade is one completed round trip in a simulation.
type ClosedTrade struct {
	Symbol     string
	Direction  types.Direction
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	EntryBar   int
	ExitBar    int
	PnL        float64
}

// HoldBars returns the bars the position was held.
func (t ClosedTrade) HoldBars() int { return t.ExitBar - t.EntryBar }

// Run is the raw output of one (strategy, symbol) replay.
type Run struct {
	Symbol       string
	StrategyName string
	Equity       []float64 // marked at each bar's close
	Trades       []ClosedTrade
}

// Engine replays one strategy over one symbol's bars. Fills are simulated
// at the close of the signalling bar with no slippage or commission.
type Engine struct {
	registry       *strategy.Registry
	initialCapital float64
	logger         *zap.Logger
}

// NewEngine creates an engine. A non-positive capital falls back to the
// default.
func NewEngine(registry *strategy.Registry, initialCapital float64, logger *zap.Logger) *Engine {
	if initialCapital <= 0 {
		initialCapital = DefaultInitialCapital
	}
	return &Engine{
		registry:       registry,
		initialCapital: initialCapital,
		logger:         logger.Named("backtest"),
	}
}

// Replay instantiates a fresh strategy, resets it and feeds it the bars in
// strict ascending order. Any open position is closed at the last bar.
func (e *Engine) Replay(strategyName, symbol string, bars []types.Bar) (Run, error) {
	strat, err := e.registry.Create(strategyName)
	if err != nil {
		return Run{}, err
	}
	if len(bars) == 0 {
		return Run{}, fmt.Errorf("no bars for %s", symbol)
	}
	ordered := make([]types.Bar, len(bars))
	copy(ordered, bars)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	strat.Reset()

	run := Run{Symbol: symbol, StrategyName: strategyName, Equity: make([]float64, 0, len(ordered))}

	cash := e.initialCapital
	var qty float64 // signed simulated shares
	var entryPrice float64
	var entryBar int

	enter := func(dir types.Direction, price float64, i int) {
		shares := cash / price
		if dir == types.DirectionShort {
			shares = -shares
		}
		qty = shares
		entryPrice = price
		entryBar = i
	}
	exit := func(price float64, i int) {
		pnl := (price - entryPrice) * qty
		dir := types.DirectionLong
		if qty < 0 {
			dir = types.DirectionShort
		}
		run.Trades = append(run.Trades, ClosedTrade{
			Symbol:     symbol,
			Direction:  dir,
			Quantity:   math.Abs(qty),
			EntryPrice: entryPrice,
			ExitPrice:  price,
			EntryBar:   entryBar,
			ExitBar:    i,
			PnL:        pnl,
		})
		cash += pnl
		qty = 0
	}

	for i, bar := range ordered {
		sig := strat.Execute(e.snapshot(symbol, cash, qty, entryPrice, bar.Timestamp), bar)
		price := bar.Close

		switch {
		case sig.Direction == types.DirectionExitLong && qty > 0:
			exit(price, i)
		case sig.Direction == types.DirectionExitShort && qty < 0:
			exit(price, i)
		case sig.Direction.IsEntry() && sig.Confidence >= types.DefaultEntryThreshold:
			if qty != 0 {
				wantLong := sig.Direction == types.DirectionLong
				if (qty > 0) != wantLong {
					exit(price, i)
					enter(sig.Direction, price, i)
				}
			} else {
				enter(sig.Direction, price, i)
			}
		}
		run.Equity = append(run.Equity, cash+(price-entryPrice)*qty)
	}

	if qty != 0 {
		last := len(ordered) - 1
		exit(ordered[last].Close, last)
		run.Equity[last] = cash
	}
	return run, nil
}

// snapshot builds the read-only portfolio view handed to the strategy.
// Simulated fractional shares are rounded toward zero for the signed count.
func (e *Engine) snapshot(symbol string, cash, qty, entryPrice float64, at time.Time) types.Portfolio {
	p := types.Portfolio{
		Cash:      decimal.NewFromFloat(cash),
		Positions: map[string]int64{},
		AvgEntry:  map[string]float64{},
		UpdatedAt: at,
	}
	if qty != 0 {
		shares := int64(qty)
		if shares == 0 { // keep the direction visible for sub-share positions
			if qty > 0 {
				shares = 1
			} else {
				shares = -1
			}
		}
		p.Positions[symbol] = shares
		p.AvgEntry[symbol] = entryPrice
	}
	return p
}

// Evaluate replays and scores a (strategy, symbol) pair.
func (e *Engine) Evaluate(runID, strategyName, symbol string, bars []types.Bar) (types.BacktestResult, error) {
	run, err := e.Replay(strategyName, symbol, bars)
	if err != nil {
		return types.BacktestResult{}, err
	}
	res := Score(run, e.initialCapital)
	res.BacktestRunID = runID
	res.CompletedAt = time.Now()
	return res, nil
}
