// Package execution drives orders through the bridge with retries and owns
// the resulting position state.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/bridge"
	"github.com/twquant/autotrader/internal/metrics"
	"github.com/twquant/autotrader/pkg/types"
)

const (
	maxRetries          = 3
	consecFailShutdown  = 3
)

// Submitter is the slice of the bridge client the executor needs.
type Submitter interface {
	SubmitOrder(ctx context.Context, req bridge.OrderRequest) (bridge.OrderResponse, error)
}

// RiskSink receives realized P&L and emergency triggers.
type RiskSink interface {
	RecordPnL(delta decimal.Decimal)
	TriggerEmergency(reason string)
}

// TradeSink persists executed trades.
type TradeSink interface {
	SaveTrade(ctx context.Context, trade types.Trade) error
}

// Executor submits orders with retry and exponential backoff, maintains
// positions with weighted-average entries and feeds realized P&L back to
// the risk guard.
type Executor struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	inflight  map[string]bool

	consecutiveFailures int

	submitter Submitter
	risk      RiskSink
	trades    TradeSink
	sleep     func(time.Duration)
	logger    *zap.Logger
}

// NewExecutor creates an Executor. trades may be nil to skip persistence.
func NewExecutor(submitter Submitter, risk RiskSink, trades TradeSink, logger *zap.Logger) *Executor {
	return &Executor{
		positions: make(map[string]*types.Position),
		inflight:  make(map[string]bool),
		submitter: submitter,
		risk:      risk,
		trades:    trades,
		sleep:     time.Sleep,
		logger:    logger.Named("executor"),
	}
}

// Position returns a copy of the open position for a symbol.
func (e *Executor) Position(symbol string) (types.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Positions returns copies of all open positions.
func (e *Executor) Positions() []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// Portfolio builds a strategy-facing snapshot from the executor's state.
func (e *Executor) Portfolio(cash decimal.Decimal, realized decimal.Decimal) types.Portfolio {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := types.Portfolio{
		Cash:        cash,
		Positions:   make(map[string]int64, len(e.positions)),
		AvgEntry:    make(map[string]float64, len(e.positions)),
		RealizedPnL: realized,
		UpdatedAt:   time.Now(),
	}
	for sym, pos := range e.positions {
		p.Positions[sym] = pos.SignedQty
		p.AvgEntry[sym] = pos.AvgEntryPrice
	}
	return p
}

// InFlight reports whether a submission is currently in flight for symbol.
func (e *Executor) InFlight(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[symbol]
}

func (e *Executor) acquire(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[symbol] {
		return false
	}
	e.inflight[symbol] = true
	return true
}

func (e *Executor) release(symbol string) {
	e.mu.Lock()
	delete(e.inflight, symbol)
	e.mu.Unlock()
}

// Execute submits an order, retrying up to three times with 2^n second
// backoff. The per-symbol in-flight latch is released on every path,
// including panics. Three consecutive final failures trip the emergency
// shutdown.
func (e *Executor) Execute(ctx context.Context, symbol string, side types.OrderSide, qty int64, priceHint float64, strategyName string, simulated bool) (types.Trade, error) {
	if qty <= 0 {
		return types.Trade{}, fmt.Errorf("order quantity must be positive, got %d", qty)
	}
	if !e.acquire(symbol) {
		return types.Trade{}, fmt.Errorf("submission already in flight for %s", symbol)
	}
	defer e.release(symbol)

	resp, err := e.submitWithRetry(ctx, bridge.OrderRequest{
		Symbol:   symbol,
		Action:   string(side),
		Quantity: qty,
		Price:    priceHint,
	})
	if err != nil {
		e.mu.Lock()
		e.consecutiveFailures++
		fails := e.consecutiveFailures
		e.mu.Unlock()
		metrics.OrdersFailed.WithLabelValues(symbol).Inc()
		e.logger.Error("order failed after retries",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Int64("qty", qty),
			zap.Int("consecutiveFailures", fails),
			zap.Error(err))
		if fails >= consecFailShutdown {
			e.risk.TriggerEmergency(fmt.Sprintf("%d consecutive order failures", fails))
		}
		return types.Trade{}, err
	}

	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()

	fillPrice := resp.Price
	if fillPrice == 0 {
		fillPrice = priceHint
	}

	trade := types.Trade{
		ID:         uuid.NewString(),
		OrderID:    resp.OrderID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      fillPrice,
		Strategy:   strategyName,
		Simulated:  simulated,
		ExecutedAt: time.Now(),
	}
	trade.PnL = e.applyFill(symbol, side, qty, fillPrice, trade.ExecutedAt)

	if !simulated && !trade.PnL.IsZero() {
		e.risk.RecordPnL(trade.PnL)
	}
	metrics.OrdersSubmitted.WithLabelValues(symbol, string(side)).Inc()

	if e.trades != nil {
		if err := e.trades.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("persist trade", zap.String("id", trade.ID), zap.Error(err))
		}
	}
	e.logger.Info("order filled",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int64("qty", qty),
		zap.Float64("price", fillPrice),
		zap.String("pnl", trade.PnL.String()),
		zap.Bool("simulated", simulated))
	return trade, nil
}

func (e *Executor) submitWithRetry(ctx context.Context, req bridge.OrderRequest) (bridge.OrderResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			e.sleep(time.Duration(1<<attempt) * time.Second)
		}
		resp, err := e.submitter.SubmitOrder(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.Filled() {
			lastErr = fmt.Errorf("order rejected: %s", resp.Reason)
			continue
		}
		return resp, nil
	}
	return bridge.OrderResponse{}, fmt.Errorf("submit %s %s x%d: %w", req.Action, req.Symbol, req.Quantity, lastErr)
}

// applyFill updates position state and returns the realized P&L of the
// fill (zero for opening fills).
func (e *Executor) applyFill(symbol string, side types.OrderSide, qty int64, price float64, at time.Time) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	signed := qty
	if side == types.OrderSideSell {
		signed = -qty
	}

	pos, ok := e.positions[symbol]
	if !ok {
		e.positions[symbol] = &types.Position{
			Symbol:        symbol,
			SignedQty:     signed,
			AvgEntryPrice: price,
			EntryTime:     at,
		}
		metrics.OpenPositions.Set(float64(len(e.positions)))
		return decimal.Zero
	}

	sameDirection := (pos.SignedQty > 0) == (signed > 0)
	if sameDirection {
		// Scale in: weighted-average entry.
		oldAbs := abs(pos.SignedQty)
		newAbs := oldAbs + qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*float64(oldAbs) + price*float64(qty)) / float64(newAbs)
		pos.SignedQty += signed
		return decimal.Zero
	}

	// Reduction or close-out. Reversals are not allowed here; the engine
	// goes through FLAT in two orders.
	closeQty := qty
	if closeQty > abs(pos.SignedQty) {
		closeQty = abs(pos.SignedQty)
	}
	perShare := price - pos.AvgEntryPrice
	if pos.SignedQty < 0 {
		perShare = pos.AvgEntryPrice - price
	}
	realized := decimal.NewFromFloat(perShare).Mul(decimal.NewFromInt(closeQty))

	pos.SignedQty += signed
	if pos.SignedQty == 0 {
		delete(e.positions, symbol)
	}
	metrics.OpenPositions.Set(float64(len(e.positions)))
	return realized
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
