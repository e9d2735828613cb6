package regime

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

func dailyBars(closes []float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	ts := time.Date(2025, 1, 2, 13, 30, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = types.Bar{
			Symbol:    "2330",
			Timeframe: types.Timeframe1d,
			Timestamp: ts.AddDate(0, 0, i),
			Open:      c,
			High:      c * 1.005,
			Low:       c * 0.995,
			Close:     c,
			Volume:    10000,
		}
	}
	return bars
}

func TestClassifyTrendingUp(t *testing.T) {
	closes := make([]float64, 250)
	for i := range closes {
		// Steady 0.2% daily climb: strong ADX, low vol, no drawdown.
		closes[i] = 500 * math.Pow(1.002, float64(i))
	}
	c := NewClassifier(zap.NewNop())
	snap := c.Classify("2330", dailyBars(closes))
	if snap.Regime != RegimeTrendingUp {
		t.Errorf("regime = %s, want TRENDING_UP (adx=%.1f vol=%.2f dd=%.2f)",
			snap.Regime, snap.ADX, snap.AnnualizedVol, snap.Drawdown)
	}
}

func TestClassifyCrisisOnDrawdown(t *testing.T) {
	closes := make([]float64, 250)
	for i := range closes {
		closes[i] = 500
	}
	// 20% collapse over the last 10 days trips the drawdown rule.
	for i := 240; i < 250; i++ {
		closes[i] = 500 * (1 - 0.02*float64(i-239))
	}
	c := NewClassifier(zap.NewNop())
	snap := c.Classify("2330", dailyBars(closes))
	if snap.Regime != RegimeCrisis {
		t.Errorf("regime = %s, want CRISIS (dd=%.2f vol=%.2f)", snap.Regime, snap.Drawdown, snap.AnnualizedVol)
	}
}

func TestClassifyRangingFlatMarket(t *testing.T) {
	closes := make([]float64, 250)
	for i := range closes {
		// Small oscillation around 500.
		closes[i] = 500 + 1.5*math.Sin(float64(i)/3)
	}
	c := NewClassifier(zap.NewNop())
	snap := c.Classify("2330", dailyBars(closes))
	if snap.Regime != RegimeRanging {
		t.Errorf("regime = %s, want RANGING (adx=%.1f vol=%.2f)", snap.Regime, snap.ADX, snap.AnnualizedVol)
	}
}

func TestClassifyUnknownOnShortHistory(t *testing.T) {
	c := NewClassifier(zap.NewNop())
	snap := c.Classify("2330", dailyBars([]float64{500, 501, 502}))
	if snap.Regime != RegimeUnknown {
		t.Errorf("regime = %s, want UNKNOWN", snap.Regime)
	}
}

func TestLatestCachesSnapshot(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 500
	}
	c := NewClassifier(zap.NewNop())
	c.Classify("2330", dailyBars(closes))
	snap, ok := c.Latest("2330")
	if !ok {
		t.Fatal("Latest missing after Classify")
	}
	if snap.Symbol != "2330" {
		t.Errorf("symbol = %s", snap.Symbol)
	}
}

func TestPositionScale(t *testing.T) {
	cases := map[Regime]float64{
		RegimeTrendingUp:   1.0,
		RegimeRanging:      0.7,
		RegimeTrendingDown: 0.5,
		RegimeHighVol:      0.3,
		RegimeCrisis:       0.0,
	}
	for r, want := range cases {
		if got := r.PositionScale(); got != want {
			t.Errorf("%s scale = %f, want %f", r, got, want)
		}
	}
}

func TestFitnessGatesFamilies(t *testing.T) {
	if Fitness(RegimeRanging, FamilyMeanReversion) <= Fitness(RegimeRanging, FamilyTrend) {
		t.Error("mean reversion should outscore trend in a range")
	}
	if Fitness(RegimeTrendingUp, FamilyMomentum) <= Fitness(RegimeTrendingUp, FamilyMeanReversion) {
		t.Error("momentum should outscore mean reversion in a trend")
	}
	if Eligible(RegimeCrisis, FamilyMomentum) {
		t.Error("momentum must be vetoed in a crisis")
	}
	if !Eligible(RegimeCrisis, FamilyLongTerm) {
		t.Error("defensive long-horizon strategies stay eligible in a crisis")
	}
}
