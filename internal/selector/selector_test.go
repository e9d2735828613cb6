package selector

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/store"
	"github.com/twquant/autotrader/pkg/types"
)

func testConfig() types.AutoSelectionConfig {
	return types.AutoSelectionConfig{
		MinSharpe:   0.5,
		MinReturn:   10,
		MinWinRate:  50,
		MaxDrawdown: 20,
		MinTrades:   10,
		ShadowCount: 5,
	}
}

func passing(symbol, name string, sharpe, ret float64) types.BacktestResult {
	return types.BacktestResult{
		BacktestRunID:  "run-1",
		Symbol:         symbol,
		StrategyName:   name,
		SharpeRatio:    sharpe,
		SortinoRatio:   sharpe,
		TotalReturnPct: ret,
		WinRatePct:     60,
		MaxDrawdownPct: 8,
		TotalTrades:    30,
		Valid:          true,
	}
}

type recordingSwapper struct {
	got []types.StrategyStockMapping
}

func (r *recordingSwapper) Swap(m []types.StrategyStockMapping) ([]types.StrategyStockMapping, error) {
	r.got = m
	return nil, nil
}

func TestSingleSurvivorGoesLive(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	results := []types.BacktestResult{
		passing("2308.TW", "Pivot Points", 1.47, 162.5),
	}
	// Everything else fails a threshold.
	fail := passing("2330.TW", "MA Crossover (5/20)", 0.3, 40)
	results = append(results, fail)
	lowTrades := passing("2317.TW", "RSI Reversion (14)", 1.2, 50)
	lowTrades.TotalTrades = 4
	lowTrades.Valid = false
	results = append(results, lowTrades)
	deepDD := passing("2454.TW", "Momentum (20)", 1.1, 30)
	deepDD.MaxDrawdownPct = 35
	results = append(results, deepDD)

	if err := m.SaveBacktestResults(ctx, results); err != nil {
		t.Fatal(err)
	}

	sw := &recordingSwapper{}
	sel := NewSelector(testConfig(), m, sw, zap.NewNop())
	mappings, err := sel.SelectLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 {
		t.Fatalf("mappings = %d, want 1", len(mappings))
	}
	got := mappings[0]
	if !got.IsActive || got.Symbol != "2308.TW" || got.StrategyName != "Pivot Points" {
		t.Errorf("active = %+v", got)
	}
	if len(sw.got) != 1 {
		t.Errorf("swapper received %d mappings", len(sw.got))
	}

	persisted, _ := m.Mappings(ctx)
	var active int
	for _, p := range persisted {
		if p.IsActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("persisted active rows = %d, want 1", active)
	}
}

func TestRanksByFitnessAndCapsShadows(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var results []types.BacktestResult
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, n := range names {
		results = append(results, passing("2330", n, 0.6+0.1*float64(i), 20))
	}
	if err := m.SaveBacktestResults(ctx, results); err != nil {
		t.Fatal(err)
	}

	sel := NewSelector(testConfig(), m, nil, zap.NewNop())
	mappings, err := sel.Select(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 6 { // 1 active + 5 shadows
		t.Fatalf("mappings = %d, want 6", len(mappings))
	}
	if !mappings[0].IsActive || mappings[0].StrategyName != "h" {
		t.Errorf("active = %+v, want highest-sharpe h", mappings[0])
	}
	for _, s := range mappings[1:] {
		if s.IsActive {
			t.Errorf("shadow marked active: %+v", s)
		}
	}
}

func TestNoSurvivorsKeepsPreviousMappings(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	previous := []types.StrategyStockMapping{
		{Symbol: "2330", StrategyName: "MA Crossover (5/20)", IsActive: true},
	}
	if err := m.ReplaceMappings(ctx, previous); err != nil {
		t.Fatal(err)
	}
	fail := passing("2317", "b", 0.1, 1)
	if err := m.SaveBacktestResults(ctx, []types.BacktestResult{fail}); err != nil {
		t.Fatal(err)
	}

	sw := &recordingSwapper{}
	sel := NewSelector(testConfig(), m, sw, zap.NewNop())
	mappings, err := sel.Select(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 || mappings[0].StrategyName != "MA Crossover (5/20)" {
		t.Errorf("mappings = %+v, want the previous set untouched", mappings)
	}
	if sw.got != nil {
		t.Error("swapper must not run when nothing survives")
	}
}

func TestSelectionIsIdempotent(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	if err := m.SaveBacktestResults(ctx, []types.BacktestResult{
		passing("2330", "a", 1.0, 20),
		passing("2317", "b", 0.8, 15),
	}); err != nil {
		t.Fatal(err)
	}

	sel := NewSelector(testConfig(), m, nil, zap.NewNop())
	first, err := sel.Select(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := sel.Select(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Symbol != second[i].Symbol || first[i].StrategyName != second[i].StrategyName ||
			first[i].IsActive != second[i].IsActive {
			t.Errorf("row %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}
