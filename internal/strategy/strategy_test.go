package strategy

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

func flatPortfolio() types.Portfolio {
	return types.Portfolio{
		Cash:      decimal.NewFromInt(80_000),
		Positions: map[string]int64{},
		AvgEntry:  map[string]float64{},
	}
}

func longPortfolio(symbol string, qty int64, avgEntry float64) types.Portfolio {
	return types.Portfolio{
		Cash:      decimal.NewFromInt(80_000),
		Positions: map[string]int64{symbol: qty},
		AvgEntry:  map[string]float64{symbol: avgEntry},
	}
}

func seriesBars(symbol string, closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	ts := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = types.Bar{
			Symbol:    symbol,
			Timeframe: types.Timeframe1m,
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
			Open:      c * 0.999,
			High:      c * 1.002,
			Low:       c * 0.998,
			Close:     c,
			Volume:    int64(1000 + 13*i%700),
		}
	}
	return bars
}

// waveCloses produces a deterministic series with trend and oscillation so
// every indicator family sees some variation.
func waveCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 500 + 0.1*float64(i) + 8*math.Sin(float64(i)/7)
	}
	return out
}

func TestRegistryPopulation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	names := r.List()
	if len(names) < 45 {
		t.Fatalf("registry has %d strategies, want ~50", len(names))
	}
	for _, name := range names {
		s, err := r.Create(name)
		if err != nil {
			t.Fatalf("Create(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("strategy %q reports Name() = %q", name, s.Name())
		}
		if s.WarmupBars() < 1 {
			t.Errorf("%q warmup = %d, want >= 1", name, s.WarmupBars())
		}
	}
	if _, err := r.Create("does-not-exist"); err == nil {
		t.Error("unknown name should error")
	}
}

func TestWarmupSignalsNeutral(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s, err := r.Create("MA Crossover (10/50)")
	if err != nil {
		t.Fatal(err)
	}
	bars := seriesBars("2330", waveCloses(5))
	sig := s.Execute(flatPortfolio(), bars[0])
	if sig.Direction != types.DirectionNeutral {
		t.Errorf("warmup direction = %s, want NEUTRAL", sig.Direction)
	}
	if !strings.HasPrefix(sig.Reason, "Warming up") {
		t.Errorf("warmup reason = %q", sig.Reason)
	}
}

// Every registered strategy must be deterministic: the same bar sequence
// into a fresh instance yields the same signal sequence.
func TestAllStrategiesDeterministic(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	bars := seriesBars("2330", waveCloses(260))
	p := flatPortfolio()

	for _, name := range r.List() {
		run := func() []types.TradeSignal {
			s, err := r.Create(name)
			if err != nil {
				t.Fatal(err)
			}
			out := make([]types.TradeSignal, len(bars))
			for i, b := range bars {
				out[i] = s.Execute(p, b)
			}
			return out
		}
		first, second := run(), run()
		for i := range first {
			if first[i] != second[i] {
				t.Errorf("%q not deterministic at bar %d: %+v vs %+v", name, i, first[i], second[i])
				break
			}
		}
	}
}

func TestResetClearsState(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	bars := seriesBars("2330", waveCloses(260))
	p := flatPortfolio()

	for _, name := range r.List() {
		s, err := r.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		baseline := make([]types.TradeSignal, len(bars))
		for i, b := range bars {
			baseline[i] = s.Execute(p, b)
		}
		s.Reset()
		for i, b := range bars {
			got := s.Execute(p, b)
			if got != baseline[i] {
				t.Errorf("%q differs after Reset at bar %d", name, i)
				break
			}
		}
	}
}

func TestMACrossoverRoundTrip(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s, err := r.Create("MA Crossover (5/20)")
	if err != nil {
		t.Fatal(err)
	}

	// Flat base, sharp rally to force the fast MA over the slow.
	closes := make([]float64, 40)
	for i := 0; i < 25; i++ {
		closes[i] = 500 - 0.2*float64(i) // drift down so the cross is clean
	}
	for i := 25; i < 40; i++ {
		closes[i] = closes[24] + 4*float64(i-24)
	}
	bars := seriesBars("2330", closes)

	var sawEntry bool
	p := flatPortfolio()
	for _, b := range bars {
		sig := s.Execute(p, b)
		if sig.Direction == types.DirectionLong {
			sawEntry = true
			break
		}
	}
	if !sawEntry {
		t.Fatal("rally never produced a LONG entry")
	}

	// With an open long, a collapse produces the exit.
	s.Reset()
	long := longPortfolio("2330", 1000, 500)
	down := make([]float64, 60)
	for i := 0; i < 30; i++ {
		down[i] = 500 + 2*float64(i)
	}
	for i := 30; i < 60; i++ {
		down[i] = down[29] - 5*float64(i-29)
	}
	var sawExit bool
	for _, b := range seriesBars("2330", down) {
		if sig := s.Execute(long, b); sig.Direction == types.DirectionExitLong {
			sawExit = true
			break
		}
	}
	if !sawExit {
		t.Fatal("collapse never produced an EXIT_LONG")
	}
}

func TestRSIReversionBuysOversold(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s, err := r.Create("RSI Reversion (14)")
	if err != nil {
		t.Fatal(err)
	}
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 500 - 3*float64(i) // relentless selling
	}
	var sawEntry bool
	p := flatPortfolio()
	for _, b := range seriesBars("2330", closes) {
		if sig := s.Execute(p, b); sig.Direction == types.DirectionLong {
			sawEntry = true
			if sig.Confidence < types.DefaultEntryThreshold {
				t.Errorf("entry confidence %.2f below threshold", sig.Confidence)
			}
			break
		}
	}
	if !sawEntry {
		t.Fatal("deep oversold never produced a LONG")
	}
}

func TestTaxLossHarvestExitsLoser(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	s, err := r.Create("Tax Loss Harvest")
	if err != nil {
		t.Fatal(err)
	}
	long := longPortfolio("2330", 1000, 500)
	bar := seriesBars("2330", []float64{440})[0] // down 12% from entry
	sig := s.Execute(long, bar)
	if sig.Direction != types.DirectionExitLong {
		t.Errorf("direction = %s, want EXIT_LONG", sig.Direction)
	}
}
