package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/internal/strategy"
	"github.com/twquant/autotrader/pkg/types"
)

// scripted emits a fixed signal per bar index.
type scripted struct {
	signals map[int]types.TradeSignal
	i       int
}

func (s *scripted) Name() string               { return "Scripted" }
func (s *scripted) Type() types.StrategyType   { return types.StrategyIntraday }
func (s *scripted) Family() regime.Family      { return regime.FamilyTrend }
func (s *scripted) WarmupBars() int            { return 0 }
func (s *scripted) Reset()                     { s.i = 0 }
func (s *scripted) Execute(_ types.Portfolio, _ types.Bar) types.TradeSignal {
	sig, ok := s.signals[s.i]
	s.i++
	if !ok {
		return types.Neutral("hold")
	}
	return sig
}

func testRegistry(signals map[int]types.TradeSignal) *strategy.Registry {
	r := strategy.NewRegistry(zap.NewNop())
	r.Register("Scripted", func() strategy.Strategy { return &scripted{signals: signals} })
	return r
}

func dailyBars(symbol string, closes []float64) []types.Bar {
	start := time.Date(2025, 1, 1, 13, 30, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{
			Symbol:    symbol,
			Timeframe: types.Timeframe1d,
			Timestamp: start.AddDate(0, 0, i),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1000,
		}
	}
	return bars
}

func TestReplayRoundTrip(t *testing.T) {
	reg := testRegistry(map[int]types.TradeSignal{
		1: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "enter"},
		3: {Direction: types.DirectionExitLong, Confidence: 0.9, Reason: "exit"},
	})
	e := NewEngine(reg, 80000, zap.NewNop())

	run, err := e.Replay("Scripted", "2330", dailyBars("2330", []float64{100, 100, 105, 110, 110}))
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(run.Trades))
	}
	tr := run.Trades[0]
	if tr.EntryPrice != 100 || tr.ExitPrice != 110 || tr.HoldBars() != 2 {
		t.Errorf("trade = %+v", tr)
	}
	// 800 shares gaining 10 each.
	if math.Abs(tr.PnL-8000) > 1e-9 {
		t.Errorf("pnl = %f, want 8000", tr.PnL)
	}
	final := run.Equity[len(run.Equity)-1]
	if math.Abs(final-88000) > 1e-9 {
		t.Errorf("final equity = %f, want 88000", final)
	}
}

func TestReplayLowConfidenceEntryIgnored(t *testing.T) {
	reg := testRegistry(map[int]types.TradeSignal{
		1: {Direction: types.DirectionLong, Confidence: 0.4, Reason: "weak"},
	})
	e := NewEngine(reg, 80000, zap.NewNop())
	run, err := e.Replay("Scripted", "2330", dailyBars("2330", []float64{100, 100, 120}))
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Trades) != 0 {
		t.Errorf("trades = %d, want 0 for sub-threshold confidence", len(run.Trades))
	}
}

func TestReplayForceClosesAtEnd(t *testing.T) {
	reg := testRegistry(map[int]types.TradeSignal{
		0: {Direction: types.DirectionShort, Confidence: 0.9, Reason: "enter"},
	})
	e := NewEngine(reg, 80000, zap.NewNop())
	run, err := e.Replay("Scripted", "2330", dailyBars("2330", []float64{100, 95, 90}))
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Trades) != 1 {
		t.Fatalf("trades = %d, want forced close", len(run.Trades))
	}
	tr := run.Trades[0]
	if tr.Direction != types.DirectionShort {
		t.Errorf("direction = %s", tr.Direction)
	}
	// 800 shares short, 10 gained each.
	if math.Abs(tr.PnL-8000) > 1e-9 {
		t.Errorf("pnl = %f, want 8000", tr.PnL)
	}
}

func TestScoreMarksFewTradesInvalid(t *testing.T) {
	run := Run{
		Symbol:       "2330",
		StrategyName: "Scripted",
		Equity:       []float64{80000, 81000, 82000},
		Trades: []ClosedTrade{
			{PnL: 1000, EntryBar: 0, ExitBar: 1},
			{PnL: 1000, EntryBar: 1, ExitBar: 2},
		},
	}
	res := Score(run, 80000)
	if res.Valid {
		t.Error("2 trades must be invalid")
	}
	if res.TotalTrades != 2 || res.WinRatePct != 100 {
		t.Errorf("result = %+v", res)
	}
	if math.Abs(res.TotalReturnPct-2.5) > 1e-9 {
		t.Errorf("return = %f, want 2.5", res.TotalReturnPct)
	}
}

func TestScoreWinRateAndHold(t *testing.T) {
	run := Run{
		Equity: []float64{80000, 82000, 81000, 83000},
		Trades: []ClosedTrade{
			{PnL: 2000, EntryBar: 0, ExitBar: 1},
			{PnL: -1000, EntryBar: 1, ExitBar: 2},
			{PnL: 2000, EntryBar: 2, ExitBar: 3},
		},
	}
	res := Score(run, 80000)
	if math.Abs(res.WinRatePct-100.0/3*2) > 1e-9 {
		t.Errorf("winRate = %f", res.WinRatePct)
	}
	if res.AverageHoldBars != 1 {
		t.Errorf("avgHold = %f, want 1", res.AverageHoldBars)
	}
	if res.MaxDrawdownPct <= 0 {
		t.Errorf("drawdown = %f, want > 0 after the dip", res.MaxDrawdownPct)
	}
}

func TestFitnessPenalties(t *testing.T) {
	base := types.BacktestResult{SharpeRatio: 1, SortinoRatio: 1, CalmarRatio: 1, TotalTrades: 25, MaxDrawdownPct: 10}
	want := 0.35 + 0.25 + 0.15
	if got := Fitness(base); math.Abs(got-want) > 1e-9 {
		t.Errorf("fitness = %f, want %f", got, want)
	}

	deep := base
	deep.MaxDrawdownPct = 30
	if got := Fitness(deep); math.Abs(got-(want-0.15*10)) > 1e-9 {
		t.Errorf("drawdown penalty: fitness = %f", got)
	}

	thin := base
	thin.TotalTrades = 15
	if got := Fitness(thin); math.Abs(got-(want-0.10*5)) > 1e-9 {
		t.Errorf("trade penalty: fitness = %f", got)
	}

	poisoned := base
	poisoned.SharpeRatio = math.NaN()
	if got := Fitness(poisoned); math.IsNaN(got) {
		t.Error("NaN inputs must contribute 0")
	}
}

type captureSink struct {
	calls   int
	results []types.BacktestResult
}

func (c *captureSink) SaveBacktestResults(_ context.Context, results []types.BacktestResult) error {
	c.calls++
	c.results = results
	return nil
}

func TestRunnerPersistsRunInOneWrite(t *testing.T) {
	reg := testRegistry(map[int]types.TradeSignal{
		1: {Direction: types.DirectionLong, Confidence: 0.9, Reason: "enter"},
		2: {Direction: types.DirectionExitLong, Confidence: 0.9, Reason: "exit"},
	})
	e := NewEngine(reg, 80000, zap.NewNop())
	sink := &captureSink{}
	r := NewRunner(e, sink, zap.NewNop())

	bars := map[string][]types.Bar{
		"2330": dailyBars("2330", []float64{100, 101, 102, 103}),
		"2317": dailyBars("2317", []float64{50, 51, 52, 53}),
	}
	runID, results, err := r.RunAll(context.Background(), []string{"Scripted"}, bars)
	if err != nil {
		t.Fatal(err)
	}
	if runID == "" || len(results) != 2 {
		t.Fatalf("runID=%q results=%d", runID, len(results))
	}
	if sink.calls != 1 {
		t.Errorf("sink writes = %d, want exactly 1", sink.calls)
	}
	for _, res := range sink.results {
		if res.BacktestRunID != runID {
			t.Errorf("result run = %s, want %s", res.BacktestRunID, runID)
		}
	}
}

func TestWalkForwardWindows(t *testing.T) {
	e := NewEngine(testRegistry(nil), 80000, zap.NewNop())
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 200)

	rolling := NewWalkForward(e, 3.0, 20, false, zap.NewNop())
	wins := rolling.Windows(start, end)
	if len(wins) != 7 {
		t.Fatalf("rolling windows = %d, want 7", len(wins))
	}
	if !wins[1].TrainStart.Equal(start.AddDate(0, 0, 20)) {
		t.Errorf("rolling train start must advance, got %s", wins[1].TrainStart)
	}
	for _, w := range wins {
		if w.TrainEnd.Sub(w.TrainStart) != 3*w.TestEnd.Sub(w.TestStart) {
			t.Errorf("train/test ratio broken: %+v", w)
		}
	}

	anchored := NewWalkForward(e, 3.0, 20, true, zap.NewNop())
	awins := anchored.Windows(start, end)
	for _, w := range awins {
		if !w.TrainStart.Equal(start) {
			t.Errorf("anchored train start moved to %s", w.TrainStart)
		}
	}
}

func TestWalkForwardSelectsBestOnTrainSlice(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	long := types.TradeSignal{Direction: types.DirectionLong, Confidence: 0.9, Reason: "enter"}
	short := types.TradeSignal{Direction: types.DirectionShort, Confidence: 0.9, Reason: "enter"}
	reg.Register("Rider", func() strategy.Strategy { return &scripted{signals: map[int]types.TradeSignal{0: long}} })
	reg.Register("Fader", func() strategy.Strategy { return &scripted{signals: map[int]types.TradeSignal{0: short}} })
	e := NewEngine(reg, 80000, zap.NewNop())

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	bars := dailyBars("2330", closes)

	wf := NewWalkForward(e, 3.0, 20, false, zap.NewNop())
	results, err := wf.Evaluate([]string{"Fader", "Rider"}, "2330", bars)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one window")
	}
	for _, r := range results {
		if r.Strategy != "Rider" {
			t.Errorf("window winner = %q, want the long side of a steady uptrend", r.Strategy)
		}
		if math.IsNaN(r.TestFitness) {
			t.Errorf("out-of-sample fitness is NaN: %+v", r)
		}
	}
}

func TestMonteCarloDeterministic(t *testing.T) {
	run := Run{Trades: []ClosedTrade{
		{PnL: 3000}, {PnL: -1500}, {PnL: 2200}, {PnL: -800}, {PnL: 1100},
		{PnL: -400}, {PnL: 900}, {PnL: -2100}, {PnL: 1700}, {PnL: 600},
	}}
	a := MonteCarlo(run, 80000, 500, 42)
	b := MonteCarlo(run, 80000, 500, 42)
	if a != b {
		t.Errorf("same seed must reproduce: %+v vs %+v", a, b)
	}
	if a.FinalEquityP5 > a.FinalEquityP50 || a.FinalEquityP50 > a.FinalEquityP95 {
		t.Errorf("percentiles out of order: %+v", a)
	}
	// Total P&L is order-independent.
	want := 80000.0 + 4700
	if math.Abs(a.FinalEquityP50-want) > 1e-9 {
		t.Errorf("median final equity = %f, want %f", a.FinalEquityP50, want)
	}

	if got := MonteCarlo(Run{}, 80000, 100, 1); got != (MonteCarloSummary{}) {
		t.Errorf("empty run summary = %+v, want zero", got)
	}
}
