package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/advisor"
	"github.com/twquant/autotrader/internal/compliance"
	"github.com/twquant/autotrader/internal/data"
	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/internal/risk"
	"github.com/twquant/autotrader/internal/sizing"
	"github.com/twquant/autotrader/internal/store"
	"github.com/twquant/autotrader/internal/strategy"
	"github.com/twquant/autotrader/pkg/types"
)

// fakeExec fills orders instantly at the hint price.
type fakeExec struct {
	positions map[string]*types.Position
	trades    []types.Trade
}

func newFakeExec() *fakeExec {
	return &fakeExec{positions: make(map[string]*types.Position)}
}

func (f *fakeExec) Execute(_ context.Context, symbol string, side types.OrderSide, qty int64, price float64, name string, simulated bool) (types.Trade, error) {
	signed := qty
	if side == types.OrderSideSell {
		signed = -qty
	}
	trade := types.Trade{Symbol: symbol, Side: side, Quantity: qty, Price: price, Strategy: name, Simulated: simulated}
	if pos, ok := f.positions[symbol]; ok {
		perShare := price - pos.AvgEntryPrice
		if pos.SignedQty < 0 {
			perShare = pos.AvgEntryPrice - price
		}
		trade.PnL = decimal.NewFromFloat(perShare).Mul(decimal.NewFromInt(qty))
		pos.SignedQty += signed
		if pos.SignedQty == 0 {
			delete(f.positions, symbol)
		}
	} else {
		f.positions[symbol] = &types.Position{Symbol: symbol, SignedQty: signed, AvgEntryPrice: price}
	}
	f.trades = append(f.trades, trade)
	return trade, nil
}

func (f *fakeExec) Position(symbol string) (types.Position, bool) {
	p, ok := f.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

func (f *fakeExec) Positions() []types.Position {
	out := make([]types.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, *p)
	}
	return out
}

func (f *fakeExec) Portfolio(cash, realized decimal.Decimal) types.Portfolio {
	p := types.Portfolio{Cash: cash, RealizedPnL: realized, Positions: map[string]int64{}, AvgEntry: map[string]float64{}}
	for sym, pos := range f.positions {
		p.Positions[sym] = pos.SignedQty
		p.AvgEntry[sym] = pos.AvgEntryPrice
	}
	return p
}

// scripted emits one fixed signal per bar index.
type scripted struct {
	signals map[int]types.TradeSignal
	i       int
}

func (s *scripted) Name() string             { return "Scripted" }
func (s *scripted) Type() types.StrategyType { return types.StrategyIntraday }
func (s *scripted) Family() regime.Family    { return regime.FamilyTrend }
func (s *scripted) WarmupBars() int          { return 0 }
func (s *scripted) Reset()                   { s.i = 0 }
func (s *scripted) Execute(_ types.Portfolio, _ types.Bar) types.TradeSignal {
	sig, ok := s.signals[s.i]
	s.i++
	if !ok {
		return types.Neutral("hold")
	}
	return sig
}

// fakeBroadcast records pushed events.
type fakeBroadcast struct {
	trades  []types.Trade
	vetoes  []types.VetoEvent
	regimes []string
}

func (b *fakeBroadcast) BroadcastTrade(tr types.Trade)    { b.trades = append(b.trades, tr) }
func (b *fakeBroadcast) BroadcastVeto(ev types.VetoEvent) { b.vetoes = append(b.vetoes, ev) }
func (b *fakeBroadcast) BroadcastRegimeChange(symbol, from, to string) {
	b.regimes = append(b.regimes, symbol+":"+from+">"+to)
}

type fixture struct {
	engine *Engine
	exec   *fakeExec
	guard  *risk.Guard
	mem    *store.Memory
	hub    *fakeBroadcast
	loc    *time.Location
	now    time.Time
}

func newFixture(t *testing.T, signals map[int]types.TradeSignal) *fixture {
	t.Helper()
	logger := zap.NewNop()
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatal(err)
	}

	cfg := types.DefaultConfig()
	cfg.Mode = types.ModeFutures
	cfg.DataDir = t.TempDir()

	bars := data.NewBarStore(cfg.DataDir, 0, logger)
	registry := strategy.NewRegistry(logger)
	registry.Register("Scripted", func() strategy.Strategy { return &scripted{signals: signals} })
	manager := strategy.NewManager(registry, logger)
	if _, err := manager.Swap([]types.StrategyStockMapping{
		{Symbol: "TXF", StrategyName: "Scripted", IsActive: true},
	}); err != nil {
		t.Fatal(err)
	}

	guard := risk.NewGuard(cfg.Risk.DailyLossLimit, cfg.Risk.WeeklyLossLimit, loc, nil, nil, logger)
	mem := store.NewMemory()
	exec := newFakeExec()
	hub := &fakeBroadcast{}

	eng, err := New(cfg, Deps{
		Bars:         bars,
		Manager:      manager,
		Classifier:   regime.NewClassifier(logger),
		Correlations: risk.NewCorrelationTracker(bars, logger),
		Compliance:   compliance.NewGuard(cfg.Mode, cfg.Capital, logger),
		Guard:        guard,
		Sizer:        sizing.NewSizer(0.01, logger),
		Advisor:      advisor.New(cfg.LLM, logger),
		Executor:     exec,
		Events:       mem,
		Broadcast:    hub,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{engine: eng, exec: exec, guard: guard, mem: mem, hub: hub, loc: loc}
	f.setNow(time.Date(2025, 6, 3, 12, 0, 0, 0, loc))
	return f
}

func (f *fixture) setNow(now time.Time) {
	f.now = now
	f.engine.now = func() time.Time { return now }
}

func (f *fixture) bar(close float64) types.Bar {
	return types.Bar{
		Symbol:    "TXF",
		Timeframe: types.Timeframe5m,
		Timestamp: f.now,
		Open:      close, High: close, Low: close, Close: close,
		Volume: 100,
	}
}

func vetoKinds(t *testing.T, mem *store.Memory, day time.Time) []types.VetoKind {
	t.Helper()
	events, err := mem.VetoEventsOn(context.Background(), day)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]types.VetoKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestEntryExitRoundTrip(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
		2: {Direction: types.DirectionExitLong, Confidence: 0.9, Reason: "target"},
	})
	ctx := context.Background()

	f.engine.OnBar(ctx, f.bar(100))
	pos, ok := f.exec.Position("TXF")
	if !ok {
		t.Fatal("expected an open position after the entry bar")
	}
	if pos.SignedQty <= 0 {
		t.Fatalf("position = %+v, want long", pos)
	}

	f.setNow(f.now.Add(5 * time.Minute))
	f.engine.OnBar(ctx, f.bar(105))
	if _, ok := f.exec.Position("TXF"); !ok {
		t.Fatal("hold bar must not close the position")
	}

	f.setNow(f.now.Add(5 * time.Minute))
	f.engine.OnBar(ctx, f.bar(110))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("exit signal must close the position")
	}

	want := decimal.NewFromInt(10 * pos.SignedQty)
	last := f.exec.trades[len(f.exec.trades)-1]
	if !last.PnL.Equal(want) {
		t.Errorf("round-trip pnl = %s, want %s", last.PnL, want)
	}
	if got := f.engine.DayStatistics(); got.Wins != 1 {
		t.Errorf("day wins = %d, want 1", got.Wins)
	}
}

func TestStopLossForcesExit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 100, AvgEntryPrice: 20100}

	f.engine.OnBar(ctx, f.bar(20000))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("per-trade loss breach must close the position")
	}

	kinds := vetoKinds(t, f.mem, f.now)
	found := false
	for _, k := range kinds {
		if k == types.VetoStopLoss {
			found = true
		}
	}
	if !found {
		t.Errorf("veto kinds = %v, want stop-loss recorded", kinds)
	}

	last := f.exec.trades[len(f.exec.trades)-1]
	if !last.PnL.Equal(decimal.NewFromInt(-10000)) {
		t.Errorf("stop-loss pnl = %s, want -10000", last.PnL)
	}
}

func TestMaxHoldForcesExit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Held since the morning, default limit 90 minutes.
	f.exec.positions["TXF"] = &types.Position{
		Symbol: "TXF", SignedQty: 10, AvgEntryPrice: 100,
		EntryTime: f.now.Add(-2 * time.Hour),
	}

	f.engine.OnBar(ctx, f.bar(101))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("position held past the max hold time must be closed")
	}
	kinds := vetoKinds(t, f.mem, f.now)
	found := false
	for _, k := range kinds {
		if k == types.VetoMaxHold {
			found = true
		}
	}
	if !found {
		t.Errorf("veto kinds = %v, want max_hold recorded", kinds)
	}
}

func TestEmergencySuppressesEntries(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()

	f.guard.TriggerEmergency("test latch")
	f.engine.OnBar(ctx, f.bar(100))

	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("emergency shutdown must block entries")
	}
	kinds := vetoKinds(t, f.mem, f.now)
	if len(kinds) != 1 || kinds[0] != types.VetoEmergency {
		t.Errorf("veto kinds = %v, want [emergency]", kinds)
	}
}

func TestEmergencyFlattensOpenPositions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 10, AvgEntryPrice: 100}
	f.guard.TriggerEmergency("daily loss limit exceeded")

	f.engine.OnBar(ctx, f.bar(100))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("emergency latch must flatten open positions on the next tick")
	}
}

func TestWindowCloseFlattens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 10, AvgEntryPrice: 100}

	f.setNow(time.Date(2025, 6, 3, 12, 59, 55, 0, f.loc))
	f.engine.OnBar(ctx, f.bar(101))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("positions must be flat at window end minus the flatten lead")
	}
	flattens := len(f.exec.trades)

	// A second bar in the lead window must not try to flatten again.
	f.setNow(f.now.Add(2 * time.Second))
	f.engine.OnBar(ctx, f.bar(101))
	if len(f.exec.trades) != flattens {
		t.Error("flatten must run once per trading day")
	}
}

func TestEntriesBlockedOutsideWindow(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()

	f.setNow(time.Date(2025, 6, 3, 9, 0, 0, 0, f.loc))
	f.engine.OnBar(ctx, f.bar(100))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("entry outside the trading window must be vetoed")
	}
	kinds := vetoKinds(t, f.mem, f.now)
	if len(kinds) != 1 || kinds[0] != types.VetoWindow {
		t.Errorf("veto kinds = %v, want [window]", kinds)
	}
}

func TestStaleBarSkipsProcessing(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()

	bar := f.bar(100)
	bar.Timestamp = f.now.Add(-10 * time.Second)
	f.engine.OnBar(ctx, bar)

	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("stale bar must not produce orders")
	}
	kinds := vetoKinds(t, f.mem, f.now)
	if len(kinds) != 1 || kinds[0] != types.VetoStale {
		t.Errorf("veto kinds = %v, want [stale_data]", kinds)
	}
}

func TestPausedEngineStillRunsStops(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		1: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()
	f.engine.Pause()

	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 10, AvgEntryPrice: 200}
	f.engine.OnBar(ctx, f.bar(100)) // loss of 1000, limit 500
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("stop-loss must fire while paused")
	}

	f.setNow(f.now.Add(5 * time.Minute))
	f.engine.OnBar(ctx, f.bar(100))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("paused engine must not open positions")
	}
}

func TestConsistencyFaultOnEquityDrift(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.engine.SetLive(true)
	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 10, AvgEntryPrice: 100}
	f.engine.bars.SetQuote(types.Quote{Symbol: "TXF", Price: 100, Timestamp: f.now})

	// Engine equity is 81000; a broker read of 50000 is far past tolerance.
	f.engine.CheckConsistency(ctx, 50000)

	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("consistency fault must flatten")
	}
	if emergency, _ := f.guard.EmergencyShutdown(); !emergency {
		t.Fatal("consistency fault must latch emergency shutdown")
	}
}

func TestConsistencyFaultOnNegativeCash(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.engine.cash = decimal.NewFromInt(-1)
	f.engine.CheckConsistency(ctx, 0)

	if emergency, _ := f.guard.EmergencyShutdown(); !emergency {
		t.Fatal("negative cash must latch emergency shutdown")
	}
}

func TestConsistencyPassesWithinTolerance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.engine.SetLive(true)
	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 10, AvgEntryPrice: 100}
	f.engine.bars.SetQuote(types.Quote{Symbol: "TXF", Price: 100, Timestamp: f.now})

	f.engine.CheckConsistency(ctx, 81500)

	if _, ok := f.exec.Position("TXF"); !ok {
		t.Fatal("small equity drift must not flatten")
	}
	if emergency, _ := f.guard.EmergencyShutdown(); emergency {
		t.Fatal("small equity drift must not latch emergency shutdown")
	}
}

func TestSectorConcentrationVeto(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()

	f.engine.cfg.Sectors = map[string]string{"TXF": "index", "MXF": "index"}

	// An open same-sector position already worth 60000 of the 140000 equity.
	f.exec.positions["MXF"] = &types.Position{Symbol: "MXF", SignedQty: 600, AvgEntryPrice: 100}
	f.engine.bars.SetQuote(types.Quote{Symbol: "MXF", Price: 100, Timestamp: f.now})

	f.engine.OnBar(ctx, f.bar(100))

	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("entry pushing the sector past its cap must be vetoed")
	}
	kinds := vetoKinds(t, f.mem, f.now)
	found := false
	for _, k := range kinds {
		if k == types.VetoConcentration {
			found = true
		}
	}
	if !found {
		t.Errorf("veto kinds = %v, want concentration recorded", kinds)
	}
}

func TestSwapFlattensOutgoingPositions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.exec.positions["TXF"] = &types.Position{Symbol: "TXF", SignedQty: 40, AvgEntryPrice: 100}
	f.engine.bars.SetQuote(types.Quote{Symbol: "TXF", Price: 100, Timestamp: f.now})

	outgoing, err := f.engine.SwapPopulation(ctx, []types.StrategyStockMapping{
		{Symbol: "MXF", StrategyName: "Scripted", IsActive: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(outgoing) != 1 || outgoing[0].Symbol != "TXF" {
		t.Fatalf("outgoing = %+v, want the demoted TXF mapping", outgoing)
	}
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("the demoted strategy's position must be closed on swap")
	}

	// The next tick routes bars to the new population only.
	f.engine.OnBar(ctx, f.bar(100))
	if _, ok := f.exec.Position("TXF"); ok {
		t.Fatal("no position may reappear for the demoted mapping")
	}
}

func TestTradeAndVetoBroadcasts(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
		1: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()

	f.setNow(time.Date(2025, 6, 3, 9, 0, 0, 0, f.loc))
	f.engine.OnBar(ctx, f.bar(100))
	if len(f.hub.vetoes) != 1 || f.hub.vetoes[0].Kind != types.VetoWindow {
		t.Fatalf("broadcast vetoes = %+v, want one window veto", f.hub.vetoes)
	}

	f.setNow(time.Date(2025, 6, 3, 12, 0, 0, 0, f.loc))
	f.engine.OnBar(ctx, f.bar(100))
	if len(f.hub.trades) != 1 {
		t.Fatalf("broadcast trades = %+v, want the entry fill", f.hub.trades)
	}
}

func TestDayRollPersistsDailyStatistics(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
		1: {Direction: types.DirectionExitLong, Confidence: 0.9, Reason: "target"},
	})
	ctx := context.Background()

	f.engine.OnBar(ctx, f.bar(100))
	f.setNow(f.now.Add(5 * time.Minute))
	f.engine.OnBar(ctx, f.bar(110))

	if rows := f.mem.DailyStats(); len(rows) != 0 {
		t.Fatalf("stats rows before day roll = %d, want 0", len(rows))
	}

	f.setNow(time.Date(2025, 6, 4, 12, 0, 0, 0, f.loc))
	f.engine.OnBar(ctx, f.bar(110))

	rows := f.mem.DailyStats()
	if len(rows) != 1 {
		t.Fatalf("stats rows after day roll = %d, want 1", len(rows))
	}
	if rows[0].Wins != 1 || rows[0].TotalTrades != 2 {
		t.Errorf("stats = %+v, want 1 win over 2 trades", rows[0])
	}
	if got := rows[0].Date.Format("2006-01-02"); got != "2025-06-03" {
		t.Errorf("stats date = %s, want the closed day", got)
	}
	if today := f.engine.DayStatistics(); today.TotalTrades != 0 {
		t.Errorf("day counters must reset after the roll, got %+v", today)
	}
}

func TestShadowSignalsNeverReachExecutor(t *testing.T) {
	f := newFixture(t, map[int]types.TradeSignal{
		0: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "breakout"},
	})
	ctx := context.Background()

	// Replace the population with a shadow-only mapping.
	if _, err := f.engine.manager.Swap([]types.StrategyStockMapping{
		{Symbol: "TXF", StrategyName: "Scripted", IsActive: false},
	}); err != nil {
		t.Fatal(err)
	}

	f.engine.OnBar(ctx, f.bar(100))
	if len(f.exec.trades) != 0 {
		t.Fatal("shadow mappings must not submit real orders")
	}

	trades, err := f.mem.TradesOn(ctx, f.now)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || !trades[0].Simulated {
		t.Fatalf("shadow trades = %+v, want one simulated entry", trades)
	}
}
