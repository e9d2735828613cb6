package sizing

import (
	"testing"

	"go.uber.org/zap"
)

func newSizer() *Sizer {
	return NewSizer(0.01, zap.NewNop())
}

func TestFixedRisk(t *testing.T) {
	s := newSizer()
	// 1% of 1,000,000 = 10,000 TWD risk; stop distance 10 -> 1000 shares.
	// Cap: 10% of equity / price = 100,000/100 = 1000 shares. Exactly at cap.
	got := s.FixedRisk(1_000_000, 100, 10)
	if got != 1000 {
		t.Errorf("FixedRisk = %d, want 1000", got)
	}
	if s.FixedRisk(1_000_000, 100, 0) != 0 {
		t.Error("zero stop distance must size zero")
	}
}

func TestHardCapBindsAllMethods(t *testing.T) {
	s := newSizer()
	// Tiny stop distance would ask for a huge position; cap binds.
	got := s.FixedRisk(1_000_000, 100, 0.01)
	if got != 1000 {
		t.Errorf("capped FixedRisk = %d, want 1000 (10%% of equity)", got)
	}
}

func TestATRBased(t *testing.T) {
	s := newSizer()
	// Risk 10,000 over 2*25 = 50 -> 200 shares, under the cap.
	got := s.ATRBased(1_000_000, 100, 25, 2)
	if got != 200 {
		t.Errorf("ATRBased = %d, want 200", got)
	}
}

func TestKellyFraction(t *testing.T) {
	stats := TradeStats{WinRate: 0.6, AvgWin: 2, AvgLoss: 1, Trades: 50}
	// f* = 0.6 - 0.4/2 = 0.4, capped to 10% of equity.
	s := newSizer()
	got := s.Kelly(1_000_000, 100, stats)
	if got != 1000 {
		t.Errorf("Kelly = %d, want capped 1000", got)
	}
}

func TestHalfKellyIsHalf(t *testing.T) {
	s := newSizer()
	// f* = 0.55 - 0.45/1 = 0.10 -> half = 0.05 -> 500 shares on 1M at 100.
	stats := TradeStats{WinRate: 0.55, AvgWin: 1, AvgLoss: 1, Trades: 30}
	got := s.HalfKelly(1_000_000, 100, stats)
	if got != 500 {
		t.Errorf("HalfKelly = %d, want 500", got)
	}
}

func TestNegativeEdgeSizesZero(t *testing.T) {
	s := newSizer()
	stats := TradeStats{WinRate: 0.4, AvgWin: 1, AvgLoss: 1, Trades: 30}
	if got := s.Kelly(1_000_000, 100, stats); got != 0 {
		t.Errorf("negative-edge Kelly = %d, want 0", got)
	}
}

func TestVolatilityTargetClips(t *testing.T) {
	s := newSizer()
	// Scale 0.15/0.03 = 5, clipped to 2.0 -> 200 shares.
	got := s.VolatilityTarget(1_000_000, 100, 100, 0.15, 0.03)
	if got != 200 {
		t.Errorf("VolatilityTarget high scale = %d, want 200", got)
	}
	// Scale 0.15/3 = 0.05, clipped to 0.1 -> 10 shares.
	got = s.VolatilityTarget(1_000_000, 100, 100, 0.15, 3)
	if got != 10 {
		t.Errorf("VolatilityTarget low scale = %d, want 10", got)
	}
}

func TestRecommendPrefersStatsThenATR(t *testing.T) {
	s := newSizer()
	stats := TradeStats{WinRate: 0.55, AvgWin: 1, AvgLoss: 1, Trades: 30}
	if got, want := s.Recommend(1_000_000, 100, 25, stats), s.HalfKelly(1_000_000, 100, stats); got != want {
		t.Errorf("Recommend with stats = %d, want HalfKelly %d", got, want)
	}
	if got, want := s.Recommend(1_000_000, 100, 25, TradeStats{}), s.ATRBased(1_000_000, 100, 25, 2); got != want {
		t.Errorf("Recommend with ATR = %d, want ATRBased %d", got, want)
	}
	if got, want := s.Recommend(1_000_000, 100, 0, TradeStats{}), s.FixedRisk(1_000_000, 100, 2); got != want {
		t.Errorf("Recommend fallback = %d, want FixedRisk %d", got, want)
	}
}
