package compliance

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

func TestRetailShortBanned(t *testing.T) {
	g := NewGuard(types.ModeStock, 80_000, zap.NewNop())
	veto := g.Review(Check{Symbol: "2330", Direction: types.DirectionShort, Quantity: 1000})
	if veto == nil {
		t.Fatal("SHORT entry in stock mode must be vetoed")
	}
	if veto.Kind != types.VetoCompliance {
		t.Errorf("kind = %s, want compliance", veto.Kind)
	}

	futures := NewGuard(types.ModeFutures, 80_000, zap.NewNop())
	if v := futures.Review(Check{Symbol: "MTXF", Direction: types.DirectionShort, Quantity: 1}); v != nil {
		t.Errorf("futures mode permits shorts, got veto %q", v.Reason)
	}
}

func TestOddLotDayTradeNeedsCapital(t *testing.T) {
	g := NewGuard(types.ModeStock, 80_000, zap.NewNop())
	veto := g.Review(Check{Symbol: "2330", Direction: types.DirectionLong, Quantity: 500, Intraday: true})
	if veto == nil {
		t.Fatal("odd-lot intraday entry under the capital floor must be vetoed")
	}
	if !strings.Contains(veto.Reason, "Odd-lot day trading requires >= 2,000,000") {
		t.Errorf("reason = %q", veto.Reason)
	}

	// Full lots are fine regardless of capital.
	if v := g.Review(Check{Symbol: "2330", Direction: types.DirectionLong, Quantity: 1000, Intraday: true}); v != nil {
		t.Errorf("full-lot entry vetoed: %q", v.Reason)
	}

	// Sufficient capital lifts the restriction.
	rich := NewGuard(types.ModeStock, 3_000_000, zap.NewNop())
	if v := rich.Review(Check{Symbol: "2330", Direction: types.DirectionLong, Quantity: 500, Intraday: true}); v != nil {
		t.Errorf("odd-lot entry with sufficient capital vetoed: %q", v.Reason)
	}
}

func TestEarningsBlackout(t *testing.T) {
	g := NewGuard(types.ModeStock, 3_000_000, zap.NewNop())
	// Wednesday; earnings Thursday = 1 trading day away.
	now := time.Date(2025, 6, 4, 11, 30, 0, 0, time.UTC)
	g.SetBlackouts([]types.EarningsBlackout{
		{Symbol: "2317", EarningsDate: time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)},
	})

	veto := g.Review(Check{Symbol: "2317", Direction: types.DirectionLong, Quantity: 1000, At: now})
	if veto == nil {
		t.Fatal("entry the day before earnings must be vetoed")
	}
	if veto.Kind != types.VetoBlackout {
		t.Errorf("kind = %s, want earnings_blackout", veto.Kind)
	}

	// A week out is fine.
	g.SetBlackouts([]types.EarningsBlackout{
		{Symbol: "2317", EarningsDate: time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC)},
	})
	if v := g.Review(Check{Symbol: "2317", Direction: types.DirectionLong, Quantity: 1000, At: now}); v != nil {
		t.Errorf("entry a week before earnings vetoed: %q", v.Reason)
	}

	// Other symbols are unaffected.
	if v := g.Review(Check{Symbol: "2330", Direction: types.DirectionLong, Quantity: 1000, At: now}); v != nil {
		t.Errorf("unrelated symbol vetoed: %q", v.Reason)
	}
}

func TestLotSizePerMode(t *testing.T) {
	if got := NewGuard(types.ModeStock, 0, zap.NewNop()).LotSize(); got != 1000 {
		t.Errorf("stock lot size = %d, want 1000", got)
	}
	if got := NewGuard(types.ModeFutures, 0, zap.NewNop()).LotSize(); got != 1 {
		t.Errorf("futures lot size = %d, want 1", got)
	}
}
