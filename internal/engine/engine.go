// Package engine runs the live trading loop: it routes market data to the
// strategy population, pushes entry candidates through the veto chain,
// sizes survivors and hands orders to the executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/advisor"
	"github.com/twquant/autotrader/internal/compliance"
	"github.com/twquant/autotrader/internal/data"
	"github.com/twquant/autotrader/internal/metrics"
	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/internal/risk"
	"github.com/twquant/autotrader/internal/sizing"
	"github.com/twquant/autotrader/internal/strategy"
	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// regimeLookbackBars is the daily history handed to the classifier.
const regimeLookbackBars = 200

// equityDriftTolerance is the maximum relative deviation between engine
// and broker equity before the consistency check halts.
const equityDriftTolerance = 0.05

// OrderExecutor is the execution slice the engine drives.
type OrderExecutor interface {
	Execute(ctx context.Context, symbol string, side types.OrderSide, qty int64, priceHint float64, strategyName string, simulated bool) (types.Trade, error)
	Position(symbol string) (types.Position, bool)
	Positions() []types.Position
	Portfolio(cash, realized decimal.Decimal) types.Portfolio
}

// EntryAdvisor is the optional last gate of the veto chain.
type EntryAdvisor interface {
	Enabled() bool
	Review(ctx context.Context, symbol, strategyName string, sig types.TradeSignal) advisor.Verdict
}

// EventSink persists veto events, simulated shadow trades and the daily
// statistics row written at day roll. Implementations must not block; the
// production sink is the bounded writeback queue.
type EventSink interface {
	SaveVetoEvent(ctx context.Context, event types.VetoEvent) error
	SaveTrade(ctx context.Context, trade types.Trade) error
	SaveDailyStatistics(ctx context.Context, stats types.DailyStatistics) error
}

// Broadcaster pushes engine events to connected clients. All methods must
// be non-blocking.
type Broadcaster interface {
	BroadcastTrade(trade types.Trade)
	BroadcastVeto(ev types.VetoEvent)
	BroadcastRegimeChange(symbol, from, to string)
}

// shadowPos tracks a shadow mapping's simulated position.
type shadowPos struct {
	qty   int64
	entry float64
}

// pendingClose is a close decided under the engine lock and executed after
// it is released: the broker round trip never runs while the lock is held.
type pendingClose struct {
	pos       types.Position
	price     float64
	reason    string
	simulated bool
}

// pendingEntry is a sized entry candidate that cleared every in-lock gate.
// The advisor review and the order submission happen outside the lock.
type pendingEntry struct {
	symbol     string
	strategy   string
	side       types.OrderSide
	qty        int64
	price      float64
	signal     types.TradeSignal
	regimeName string
	simulated  bool
}

// Engine is the trading loop. All state transitions happen under its lock;
// control commands are applied between ticks through the same lock. Broker,
// advisor and store round trips run with the lock released.
type Engine struct {
	mu sync.Mutex

	cfg         *types.Config
	loc         *time.Location
	windowStart types.ClockTime
	windowEnd   types.ClockTime

	bars         *data.BarStore
	manager      *strategy.Manager
	classifier   *regime.Classifier
	correlations *risk.CorrelationTracker
	compliance   *compliance.Guard
	guard        *risk.Guard
	sizer        *sizing.Sizer
	advisor      EntryAdvisor
	exec         OrderExecutor
	events       EventSink
	broadcast    Broadcaster

	cash       decimal.Decimal
	realized   decimal.Decimal
	tradeStats sizing.TradeStats
	winSum     float64
	lossSum    float64

	shadow map[string]*shadowPos // strategy|symbol

	paused    bool
	live      bool
	flattened string // trading day on which the end-of-window flatten ran

	lastRegime map[string]regime.Regime

	peakEquity     float64
	maxDrawdownPct float64

	dayStats types.DailyStatistics
	statsDay string

	now    func() time.Time
	logger *zap.Logger
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Bars         *data.BarStore
	Manager      *strategy.Manager
	Classifier   *regime.Classifier
	Correlations *risk.CorrelationTracker
	Compliance   *compliance.Guard
	Guard        *risk.Guard
	Sizer        *sizing.Sizer
	Advisor      EntryAdvisor
	Executor     OrderExecutor
	Events       EventSink
	Broadcast    Broadcaster
}

// New creates an Engine in simulation mode.
func New(cfg *types.Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	start, err := types.ParseClock(cfg.Window.Start)
	if err != nil {
		return nil, err
	}
	end, err := types.ParseClock(cfg.Window.End)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:          cfg,
		loc:          loc,
		windowStart:  start,
		windowEnd:    end,
		bars:         deps.Bars,
		manager:      deps.Manager,
		classifier:   deps.Classifier,
		correlations: deps.Correlations,
		compliance:   deps.Compliance,
		guard:        deps.Guard,
		sizer:        deps.Sizer,
		advisor:      deps.Advisor,
		exec:         deps.Executor,
		events:       deps.Events,
		broadcast:    deps.Broadcast,
		cash:         decimal.NewFromFloat(cfg.Capital),
		shadow:       make(map[string]*shadowPos),
		lastRegime:   make(map[string]regime.Regime),
		now:          time.Now,
		logger:       logger.Named("engine"),
	}, nil
}

// inWindow reports whether entries are allowed at the given local time.
func (e *Engine) inWindow(now time.Time) bool {
	m := now.In(e.loc).Hour()*60 + now.In(e.loc).Minute()
	return m >= e.windowStart.MinuteOfDay() && m < e.windowEnd.MinuteOfDay()
}

// flattenDue reports whether the end-of-window flatten lead has started.
func (e *Engine) flattenDue(now time.Time) bool {
	local := now.In(e.loc)
	deadline := e.windowEnd.At(local).Add(-e.cfg.Window.FlattenLead)
	return !local.Before(deadline) && local.Before(e.windowEnd.At(local).Add(time.Hour))
}

// OnQuote records a quote for staleness and last-price tracking.
func (e *Engine) OnQuote(q types.Quote) {
	e.bars.SetQuote(q)
}

// OnBar is the tick entry point. The order of gates is fixed: stop-loss and
// window flatten run even when paused or halted; entries pass the full veto
// chain. Decisions are taken under the lock; broker round trips run after
// it is released.
func (e *Engine) OnBar(ctx context.Context, bar types.Bar) {
	now := e.now()
	e.guard.Tick(ctx, now)

	var closes []pendingClose
	var entry *pendingEntry
	closing := make(map[string]bool)
	add := func(cls []pendingClose) {
		for _, cl := range cls {
			if closing[cl.pos.Symbol] {
				continue
			}
			closing[cl.pos.Symbol] = true
			closes = append(closes, cl)
		}
	}

	e.mu.Lock()
	e.rollDayLocked(ctx, now)
	metrics.BarsProcessed.WithLabelValues(bar.Symbol, string(bar.Timeframe)).Inc()

	if err := e.bars.AddBar(bar); err != nil && !errors.Is(err, data.ErrDuplicateBar) {
		e.logger.Warn("add bar", zap.String("symbol", bar.Symbol), zap.Error(err))
	}

	// Protective exits run before anything can veto them.
	add(e.planStopLossLocked(ctx, bar))
	add(e.planMaxHoldLocked(ctx, bar, now))

	if emergency, reason := e.guard.EmergencyShutdown(); emergency {
		add(e.flattenPlanLocked("emergency shutdown: " + reason))
	}

	flattening := e.flattenDue(now)
	if flattening {
		day := now.In(e.loc).Format("2006-01-02")
		if e.flattened != day {
			e.flattened = day
			add(e.flattenPlanLocked("trading window closing"))
		}
	}

	if !flattening {
		if e.stale(bar, now) {
			e.recordVeto(ctx, types.VetoEvent{
				Symbol:    bar.Symbol,
				Kind:      types.VetoStale,
				Reason:    fmt.Sprintf("bar is %s old", now.Sub(bar.Timestamp).Truncate(time.Millisecond)),
				Timestamp: now,
			})
		} else {
			portfolio := e.exec.Portfolio(e.cash, e.realized)
			candidates := e.manager.OnBar(portfolio, bar)

			var live []strategy.Candidate
			for _, c := range candidates {
				if c.Simulated {
					e.applyShadowLocked(ctx, c, bar)
					continue
				}
				live = append(live, c)
			}

			if !e.paused {
				// Exits first, so a reversal frees the slot before the entry
				// gate runs.
				for _, c := range live {
					if c.Signal.Direction.IsExit() {
						add(e.planExitLocked(c, bar))
					}
				}
				if winner, ok := strategy.Arbitrate(live); ok && !closing[winner.Symbol] {
					entry = e.planEntryLocked(ctx, winner, bar, now)
				}
			}
		}
	}
	e.mu.Unlock()

	for _, cl := range closes {
		e.closePosition(ctx, cl)
	}
	if entry != nil {
		e.submitEntry(ctx, entry, now)
	}

	e.mu.Lock()
	e.publishGaugesLocked()
	e.mu.Unlock()
}

// stale reports whether the bar is older than the staleness timeout.
func (e *Engine) stale(bar types.Bar, now time.Time) bool {
	timeout := e.cfg.Risk.StalenessTimeout
	if timeout <= 0 {
		return false
	}
	return now.Sub(bar.Timestamp) > timeout
}

// planStopLossLocked schedules a close of the open position on this symbol
// when its unrealized loss exceeds the per-trade limit.
func (e *Engine) planStopLossLocked(ctx context.Context, bar types.Bar) []pendingClose {
	pos, ok := e.exec.Position(bar.Symbol)
	if !ok {
		return nil
	}
	unrealized := (bar.Close - pos.AvgEntryPrice) * float64(pos.SignedQty)
	if unrealized > -e.cfg.Risk.PerTradeLoss {
		return nil
	}
	e.recordVeto(ctx, types.VetoEvent{
		Symbol:    bar.Symbol,
		Kind:      types.VetoStopLoss,
		Reason:    fmt.Sprintf("unrealized %.0f breaches per-trade loss limit %.0f", unrealized, e.cfg.Risk.PerTradeLoss),
		Timestamp: bar.Timestamp,
	})
	return []pendingClose{{pos: pos, price: bar.Close, reason: "stop-loss", simulated: !e.live}}
}

// planMaxHoldLocked schedules a close of the open position once it has been
// held longer than the configured maximum.
func (e *Engine) planMaxHoldLocked(ctx context.Context, bar types.Bar, now time.Time) []pendingClose {
	if e.cfg.Risk.MaxHoldMinutes <= 0 {
		return nil
	}
	pos, ok := e.exec.Position(bar.Symbol)
	if !ok || pos.EntryTime.IsZero() {
		return nil
	}
	held := now.Sub(pos.EntryTime)
	if held < time.Duration(e.cfg.Risk.MaxHoldMinutes)*time.Minute {
		return nil
	}
	e.recordVeto(ctx, types.VetoEvent{
		Symbol:    bar.Symbol,
		Kind:      types.VetoMaxHold,
		Reason:    fmt.Sprintf("held %s, limit %d minutes", held.Truncate(time.Minute), e.cfg.Risk.MaxHoldMinutes),
		Timestamp: now,
	})
	return []pendingClose{{pos: pos, price: bar.Close, reason: "max hold time", simulated: !e.live}}
}

// planExitLocked schedules a close of the live position when the exit
// direction matches its side.
func (e *Engine) planExitLocked(c strategy.Candidate, bar types.Bar) []pendingClose {
	pos, ok := e.exec.Position(c.Symbol)
	if !ok {
		return nil
	}
	if c.Signal.Direction == types.DirectionExitLong && pos.SignedQty <= 0 {
		return nil
	}
	if c.Signal.Direction == types.DirectionExitShort && pos.SignedQty >= 0 {
		return nil
	}
	return []pendingClose{{pos: pos, price: bar.Close, reason: c.Signal.Reason, simulated: !e.live}}
}

// closePosition submits the closing order and books the result. Runs
// without the engine lock; booking re-acquires it.
func (e *Engine) closePosition(ctx context.Context, cl pendingClose) {
	side := types.OrderSideSell
	qty := cl.pos.SignedQty
	if qty < 0 {
		side = types.OrderSideBuy
		qty = -qty
	}
	trade, err := e.exec.Execute(ctx, cl.pos.Symbol, side, qty, cl.price, cl.reason, cl.simulated)
	if err != nil {
		e.logger.Error("close position", zap.String("symbol", cl.pos.Symbol), zap.Error(err))
		return
	}
	e.bookTrade(trade)
	e.logger.Info("position closed",
		zap.String("symbol", cl.pos.Symbol),
		zap.String("reason", cl.reason),
		zap.String("pnl", trade.PnL.String()))
}

// planEntryLocked pushes one arbitrated entry candidate through the in-lock
// gates of the veto chain and sizes it. The advisor gate and the submission
// run outside the lock.
func (e *Engine) planEntryLocked(ctx context.Context, c strategy.Candidate, bar types.Bar, now time.Time) *pendingEntry {
	if c.Signal.Confidence < types.DefaultEntryThreshold {
		return nil
	}
	if _, open := e.exec.Position(c.Symbol); open {
		return nil // scale-in is not done; reversals go through an exit first
	}

	veto := func(kind types.VetoKind, reason string) {
		e.recordVeto(ctx, types.VetoEvent{
			Symbol:    c.Symbol,
			Strategy:  c.Strategy,
			Kind:      kind,
			Reason:    reason,
			Timestamp: now,
		})
	}

	if !e.inWindow(now) {
		veto(types.VetoWindow, "outside trading window")
		return nil
	}
	if emergency, reason := e.guard.EmergencyShutdown(); emergency {
		veto(types.VetoEmergency, reason)
		return nil
	}

	lot := e.compliance.LotSize()
	if ev := e.compliance.Review(compliance.Check{
		Symbol:    c.Symbol,
		Direction: c.Signal.Direction,
		Quantity:  e.cfg.Stock.InitialShares,
		Intraday:  true,
		At:        now,
	}); ev != nil {
		ev.Strategy = c.Strategy
		e.recordVeto(ctx, *ev)
		return nil
	}

	daily := e.bars.Bars(c.Symbol, types.Timeframe1d, regimeLookbackBars)
	snap := e.classifier.Classify(c.Symbol, daily)
	e.noteRegimeLocked(c.Symbol, snap.Regime)
	family, err := e.manager.FamilyOf(c.Strategy)
	if err != nil {
		e.logger.Error("family lookup", zap.String("strategy", c.Strategy), zap.Error(err))
		return nil
	}
	if !regime.Eligible(snap.Regime, regime.Family(family)) {
		veto(types.VetoRegime, fmt.Sprintf("family %s unfit for regime %s", family, snap.Regime))
		return nil
	}

	openSymbols := e.openSymbolsLocked()
	allowed, corrScale := e.correlations.EntryScale(c.Symbol, openSymbols)
	if !allowed {
		veto(types.VetoCorrelation, "average correlation with open positions above critical threshold")
		return nil
	}

	if e.guard.IsWeeklyLimitHit() {
		veto(types.VetoRiskLimit, "weekly loss limit reached")
		return nil
	}

	qty := e.sizeEntryLocked(c.Symbol, bar.Close, daily, snap, corrScale, lot)
	if qty < lot {
		veto(types.VetoRiskLimit, "position size below one lot after scaling and caps")
		return nil
	}
	if reason := e.concentrationCheckLocked(c.Symbol, qty, bar.Close); reason != "" {
		veto(types.VetoConcentration, reason)
		return nil
	}

	side := types.OrderSideBuy
	if c.Signal.Direction == types.DirectionShort {
		side = types.OrderSideSell
	}
	return &pendingEntry{
		symbol:     c.Symbol,
		strategy:   c.Strategy,
		side:       side,
		qty:        qty,
		price:      bar.Close,
		signal:     c.Signal,
		regimeName: string(snap.Regime),
		simulated:  !e.live,
	}
}

// submitEntry runs the advisor gate and submits the order. Runs without the
// engine lock; booking re-acquires it.
func (e *Engine) submitEntry(ctx context.Context, p *pendingEntry, now time.Time) {
	if e.advisor != nil && e.advisor.Enabled() {
		if v := e.advisor.Review(ctx, p.symbol, p.strategy, p.signal); v.Veto {
			e.recordVeto(ctx, types.VetoEvent{
				Symbol:    p.symbol,
				Strategy:  p.strategy,
				Kind:      types.VetoAdvisor,
				Reason:    v.Reason,
				Timestamp: now,
			})
			return
		}
	}
	trade, err := e.exec.Execute(ctx, p.symbol, p.side, p.qty, p.price, p.strategy, p.simulated)
	if err != nil {
		e.logger.Error("entry failed", zap.String("symbol", p.symbol), zap.Error(err))
		return
	}
	e.bookTrade(trade)
	e.logger.Info("entered position",
		zap.String("symbol", p.symbol),
		zap.String("strategy", p.strategy),
		zap.String("side", string(p.side)),
		zap.Int64("qty", p.qty),
		zap.Float64("confidence", p.signal.Confidence),
		zap.String("regime", p.regimeName))
}

// sizeEntryLocked combines the sizer's recommendation with the regime and
// correlation scales, lot rounding and the per-position equity cap.
func (e *Engine) sizeEntryLocked(symbol string, price float64, daily []types.Bar, snap regime.Snapshot, corrScale float64, lot int64) int64 {
	marks := e.marksLocked()
	equityDec := e.exec.Portfolio(e.cash, e.realized).Equity(marks)
	equity, _ := equityDec.Float64()

	var atr float64
	if v, err := indicators.ATR(daily, 14); err == nil {
		atr = v
	}
	qty := e.sizer.Recommend(equity, price, atr, e.tradeStats)

	scaled := float64(qty) * snap.Regime.PositionScale() * corrScale
	qty = int64(scaled)
	qty -= qty % lot

	// Per-position equity cap.
	if maxVal := equity * e.cfg.Risk.MaxPositionPct; float64(qty)*price > maxVal {
		qty = int64(maxVal / price)
		qty -= qty % lot
	}
	return qty
}

// concentrationCheckLocked weighs the proposed position against the
// single-symbol and sector caps. Returns the veto reason, or "" when the
// entry fits.
func (e *Engine) concentrationCheckLocked(symbol string, qty int64, price float64) string {
	equity, _ := e.exec.Portfolio(e.cash, e.realized).Equity(e.marksLocked()).Float64()
	if equity <= 0 {
		return "non-positive equity"
	}
	value := float64(qty) * price
	if w := value / equity; w > e.cfg.Risk.MaxPositionPct+1e-9 {
		return fmt.Sprintf("position weight %.1f%% exceeds single-position cap %.0f%%",
			w*100, e.cfg.Risk.MaxPositionPct*100)
	}

	sector := e.cfg.Sectors[symbol]
	if sector == "" || e.cfg.Risk.MaxSectorPct <= 0 {
		return ""
	}
	exposure := value
	for _, pos := range e.exec.Positions() {
		if pos.Symbol == symbol || e.cfg.Sectors[pos.Symbol] != sector {
			continue
		}
		mark, ok := e.bars.LastPrice(pos.Symbol)
		if !ok {
			mark = pos.AvgEntryPrice
		}
		exposure += float64(abs64(pos.SignedQty)) * mark
	}
	if w := exposure / equity; w > e.cfg.Risk.MaxSectorPct+1e-9 {
		return fmt.Sprintf("sector %s weight %.1f%% exceeds sector cap %.0f%%",
			sector, w*100, e.cfg.Risk.MaxSectorPct*100)
	}
	return ""
}

// noteRegimeLocked tracks the last classified regime per symbol and pushes
// a regime-change event on transitions.
func (e *Engine) noteRegimeLocked(symbol string, r regime.Regime) {
	prev, seen := e.lastRegime[symbol]
	e.lastRegime[symbol] = r
	if !seen || prev == r {
		return
	}
	e.logger.Info("regime changed",
		zap.String("symbol", symbol),
		zap.String("from", string(prev)),
		zap.String("to", string(r)))
	if e.broadcast != nil {
		e.broadcast.BroadcastRegimeChange(symbol, string(prev), string(r))
	}
}

// applyShadowLocked books a simulated trade for a shadow mapping against
// its paper position.
func (e *Engine) applyShadowLocked(ctx context.Context, c strategy.Candidate, bar types.Bar) {
	if e.events == nil {
		return
	}
	key := c.Strategy + "|" + c.Symbol
	pos := e.shadow[key]

	record := func(side types.OrderSide, qty int64, pnl decimal.Decimal) {
		trade := types.Trade{
			Symbol:     c.Symbol,
			Side:       side,
			Quantity:   qty,
			Price:      bar.Close,
			PnL:        pnl,
			Strategy:   c.Strategy,
			Simulated:  true,
			ExecutedAt: bar.Timestamp,
		}
		if err := e.events.SaveTrade(ctx, trade); err != nil {
			e.logger.Warn("persist shadow trade", zap.Error(err))
		}
	}

	switch {
	case c.Signal.Direction.IsEntry() && pos == nil && c.Signal.Confidence >= types.DefaultEntryThreshold:
		qty := e.cfg.Stock.InitialShares
		if c.Signal.Direction == types.DirectionShort {
			qty = -qty
		}
		e.shadow[key] = &shadowPos{qty: qty, entry: bar.Close}
		side := types.OrderSideBuy
		if qty < 0 {
			side = types.OrderSideSell
		}
		record(side, abs64(qty), decimal.Zero)

	case c.Signal.Direction == types.DirectionExitLong && pos != nil && pos.qty > 0,
		c.Signal.Direction == types.DirectionExitShort && pos != nil && pos.qty < 0:
		pnl := decimal.NewFromFloat((bar.Close - pos.entry) * float64(pos.qty))
		side := types.OrderSideSell
		if pos.qty < 0 {
			side = types.OrderSideBuy
		}
		record(side, abs64(pos.qty), pnl)
		delete(e.shadow, key)
	}
}

// bookTrade acquires the lock and books an executed trade.
func (e *Engine) bookTrade(trade types.Trade) {
	e.mu.Lock()
	e.bookTradeLocked(trade)
	e.mu.Unlock()
	if e.broadcast != nil {
		e.broadcast.BroadcastTrade(trade)
	}
}

// bookTradeLocked updates cash, realized P&L, Kelly statistics and the
// daily counters from an executed trade.
func (e *Engine) bookTradeLocked(trade types.Trade) {
	e.dayStats.TotalTrades++
	if trade.PnL.IsZero() {
		return // opening trade
	}
	e.realized = e.realized.Add(trade.PnL)
	e.cash = e.cash.Add(trade.PnL)
	e.dayStats.RealizedPnL = e.dayStats.RealizedPnL.Add(trade.PnL)

	pnl, _ := trade.PnL.Float64()
	wins := e.tradeStats.WinRate * float64(e.tradeStats.Trades)
	e.tradeStats.Trades++
	if pnl > 0 {
		wins++
		e.winSum += pnl
		e.dayStats.Wins++
	} else {
		e.lossSum += -pnl
	}
	e.tradeStats.WinRate = wins / float64(e.tradeStats.Trades)
	if wins > 0 {
		e.tradeStats.AvgWin = e.winSum / wins
	}
	if losses := float64(e.tradeStats.Trades) - wins; losses > 0 {
		e.tradeStats.AvgLoss = e.lossSum / losses
	}
}

// rollDayLocked persists yesterday's statistics row and resets the daily
// counters when the local trading day changes.
func (e *Engine) rollDayLocked(ctx context.Context, now time.Time) {
	day := now.In(e.loc).Format("2006-01-02")
	if e.statsDay == "" {
		e.statsDay = day
		return
	}
	if e.statsDay == day {
		return
	}
	if e.dayStats.TotalTrades > 0 && e.events != nil {
		stats := e.dayStats
		stats.Date, _ = time.ParseInLocation("2006-01-02", e.statsDay, e.loc)
		if err := e.events.SaveDailyStatistics(ctx, stats); err != nil {
			e.logger.Warn("persist daily statistics", zap.Error(err))
		}
	}
	e.dayStats = types.DailyStatistics{}
	e.statsDay = day
}

// flattenPlanLocked schedules a close of every open position at the last
// known price.
func (e *Engine) flattenPlanLocked(reason string) []pendingClose {
	positions := e.exec.Positions()
	if len(positions) == 0 {
		return nil
	}
	e.logger.Warn("flattening all positions",
		zap.String("reason", reason),
		zap.Int("count", len(positions)))
	out := make([]pendingClose, 0, len(positions))
	for _, pos := range positions {
		price, ok := e.bars.LastPrice(pos.Symbol)
		if !ok {
			price = pos.AvgEntryPrice
		}
		out = append(out, pendingClose{pos: pos, price: price, reason: reason, simulated: !e.live})
	}
	return out
}

// FlattenAll closes every open position. Operator command.
func (e *Engine) FlattenAll(ctx context.Context, reason string) {
	e.mu.Lock()
	closes := e.flattenPlanLocked(reason)
	e.mu.Unlock()
	for _, cl := range closes {
		e.closePosition(ctx, cl)
	}
}

// EmergencyHalt flattens everything and latches the emergency shutdown.
func (e *Engine) EmergencyHalt(ctx context.Context, reason string) {
	e.mu.Lock()
	e.guard.TriggerEmergency(reason)
	closes := e.flattenPlanLocked(reason)
	metrics.EmergencyShutdown.Set(1)
	e.mu.Unlock()
	for _, cl := range closes {
		e.closePosition(ctx, cl)
	}
}

// SwapPopulation installs a new strategy population and closes any open
// position belonging to an outgoing active mapping, so a demoted strategy
// never leaves an orphaned position behind.
func (e *Engine) SwapPopulation(ctx context.Context, mappings []types.StrategyStockMapping) ([]types.StrategyStockMapping, error) {
	e.mu.Lock()
	outgoing, err := e.manager.Swap(mappings)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	var closes []pendingClose
	for _, m := range outgoing {
		pos, ok := e.exec.Position(m.Symbol)
		if !ok {
			continue
		}
		price, found := e.bars.LastPrice(m.Symbol)
		if !found {
			price = pos.AvgEntryPrice
		}
		closes = append(closes, pendingClose{pos: pos, price: price, reason: "strategy swap", simulated: !e.live})
	}
	e.mu.Unlock()

	for _, cl := range closes {
		e.closePosition(ctx, cl)
	}
	return outgoing, nil
}

// Swap satisfies the selector and control swap interfaces.
func (e *Engine) Swap(mappings []types.StrategyStockMapping) ([]types.StrategyStockMapping, error) {
	return e.SwapPopulation(context.Background(), mappings)
}

// Active returns the active mapping, if any.
func (e *Engine) Active() (types.StrategyStockMapping, bool) {
	return e.manager.Active()
}

// Mappings returns the current mapping rows, active first.
func (e *Engine) Mappings() []types.StrategyStockMapping {
	return e.manager.Mappings()
}

// CheckConsistency validates engine invariants against the broker account:
// negative cash, more than one active mapping or (in live mode) an equity
// drift beyond the tolerance is a consistency fault, which flattens and
// halts.
func (e *Engine) CheckConsistency(ctx context.Context, brokerEquity float64) {
	e.mu.Lock()
	var fault string
	if e.cash.IsNegative() {
		fault = "consistency fault: negative cash " + e.cash.String()
	}
	if fault == "" {
		actives := 0
		for _, m := range e.manager.Mappings() {
			if m.IsActive {
				actives++
			}
		}
		if actives > 1 {
			fault = fmt.Sprintf("consistency fault: %d active mappings", actives)
		}
	}
	if fault == "" && e.live && brokerEquity > 0 {
		engineEq, _ := e.exec.Portfolio(e.cash, e.realized).Equity(e.marksLocked()).Float64()
		if engineEq > 0 {
			if drift := math.Abs(brokerEquity-engineEq) / engineEq; drift > equityDriftTolerance {
				fault = fmt.Sprintf("consistency fault: equity drift %.1f%% (engine %.0f broker %.0f)",
					drift*100, engineEq, brokerEquity)
			}
		}
	}
	if fault == "" {
		e.mu.Unlock()
		return
	}
	e.guard.TriggerEmergency(fault)
	closes := e.flattenPlanLocked(fault)
	metrics.EmergencyShutdown.Set(1)
	e.mu.Unlock()
	for _, cl := range closes {
		e.closePosition(ctx, cl)
	}
}

// Pause suspends new entries; exits and protective logic keep running.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Info("engine paused")
}

// Resume re-enables entries.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("engine resumed")
}

// Paused reports whether entries are suspended.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// SetLive switches between live and simulated order flow.
func (e *Engine) SetLive(live bool) {
	e.mu.Lock()
	e.live = live
	e.mu.Unlock()
	e.logger.Warn("order flow mode changed", zap.Bool("live", live))
}

// Live reports whether orders go out as live.
func (e *Engine) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// SetShareSize updates the base entry size. Operator command.
func (e *Engine) SetShareSize(n int64) {
	e.mu.Lock()
	e.cfg.Stock.InitialShares = n
	e.mu.Unlock()
}

// SetShareIncrement updates the scaling increment. Operator command.
func (e *Engine) SetShareIncrement(n int64) {
	e.mu.Lock()
	e.cfg.Stock.ShareIncrement = n
	e.mu.Unlock()
}

// TradeStats returns the rolling closed-trade statistics.
func (e *Engine) TradeStats() sizing.TradeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradeStats
}

// DayStatistics returns today's counters.
func (e *Engine) DayStatistics() types.DailyStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dayStats
}

// Status is the state snapshot served by the control API.
type Status struct {
	Live          bool                         `json:"live"`
	Paused        bool                         `json:"paused"`
	Emergency     bool                         `json:"emergency"`
	EmergencyNote string                       `json:"emergencyNote,omitempty"`
	DailyPnL      string                       `json:"dailyPnl"`
	WeeklyPnL     string                       `json:"weeklyPnl"`
	Cash          string                       `json:"cash"`
	Positions     []types.Position             `json:"positions"`
	Active        *types.StrategyStockMapping  `json:"active,omitempty"`
	Mappings      []types.StrategyStockMapping `json:"mappings"`
	UpdatedAt     time.Time                    `json:"updatedAt"`
}

// Status assembles the control-surface snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	emergency, note := e.guard.EmergencyShutdown()
	st := Status{
		Live:          e.live,
		Paused:        e.paused,
		Emergency:     emergency,
		EmergencyNote: note,
		DailyPnL:      e.guard.DailyPnL().String(),
		WeeklyPnL:     e.guard.WeeklyPnL().String(),
		Cash:          e.cash.String(),
		Positions:     e.exec.Positions(),
		Mappings:      e.manager.Mappings(),
		UpdatedAt:     e.now(),
	}
	if active, ok := e.manager.Active(); ok {
		st.Active = &active
	}
	return st
}

// Positions returns the open positions.
func (e *Engine) Positions() []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.Positions()
}

func (e *Engine) openSymbolsLocked() []string {
	positions := e.exec.Positions()
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Symbol)
	}
	return out
}

func (e *Engine) marksLocked() map[string]float64 {
	marks := make(map[string]float64)
	for _, p := range e.exec.Positions() {
		if px, ok := e.bars.LastPrice(p.Symbol); ok {
			marks[p.Symbol] = px
		} else {
			marks[p.Symbol] = p.AvgEntryPrice
		}
	}
	return marks
}

func (e *Engine) publishGaugesLocked() {
	daily, _ := e.guard.DailyPnL().Float64()
	metrics.DailyPnL.Set(daily)
	eq, _ := e.exec.Portfolio(e.cash, e.realized).Equity(e.marksLocked()).Float64()
	metrics.Equity.Set(eq)

	if eq > e.peakEquity {
		e.peakEquity = eq
	}
	if e.peakEquity > 0 {
		if dd := (e.peakEquity - eq) / e.peakEquity * 100; dd > e.maxDrawdownPct {
			e.maxDrawdownPct = dd
		}
	}
}

// MaxDrawdownPct returns the worst peak-to-trough equity drawdown seen
// since boot, in percent.
func (e *Engine) MaxDrawdownPct() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxDrawdownPct
}

// recordVeto counts, logs, persists and broadcasts one veto event. The sink
// and the broadcaster are non-blocking, so callers may hold the lock.
func (e *Engine) recordVeto(ctx context.Context, ev types.VetoEvent) {
	metrics.Vetoes.WithLabelValues(string(ev.Kind)).Inc()
	e.logger.Info("entry vetoed",
		zap.String("symbol", ev.Symbol),
		zap.String("kind", string(ev.Kind)),
		zap.String("reason", ev.Reason))
	if e.events != nil {
		if err := e.events.SaveVetoEvent(ctx, ev); err != nil {
			e.logger.Warn("persist veto event", zap.Error(err))
		}
	}
	if e.broadcast != nil {
		e.broadcast.BroadcastVeto(ev)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
