// Package risk enforces loss limits and portfolio correlation constraints.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// SnapshotStore persists the weekly P&L snapshot across restarts.
type SnapshotStore interface {
	SaveRiskSnapshot(ctx context.Context, snap types.RiskSnapshot) error
	LoadRiskSnapshot(ctx context.Context) (types.RiskSnapshot, bool, error)
}

// AlertFunc publishes a human-readable alert to the control channel.
type AlertFunc func(msg string)

// Guard tracks daily and weekly realized P&L against configured limits.
// Only the daily limit latches emergencyShutdown; a weekly breach blocks
// new entries via IsWeeklyLimitHit until the Monday rollover.
type Guard struct {
	mu sync.Mutex

	dailyPnL  decimal.Decimal
	weeklyPnL decimal.Decimal

	dailyLimit  decimal.Decimal
	weeklyLimit decimal.Decimal

	emergency       bool
	emergencyReason string

	day       time.Time // midnight of the current trading day
	weekStart time.Time // Monday 00:00 of the current week
	loc       *time.Location

	store  SnapshotStore
	alert  AlertFunc
	logger *zap.Logger
}

// NewGuard creates a Guard. store may be nil to disable durable snapshots;
// alert may be nil.
func NewGuard(dailyLimit, weeklyLimit float64, loc *time.Location, store SnapshotStore, alert AlertFunc, logger *zap.Logger) *Guard {
	if alert == nil {
		alert = func(string) {}
	}
	now := time.Now().In(loc)
	return &Guard{
		dailyLimit:  decimal.NewFromFloat(dailyLimit),
		weeklyLimit: decimal.NewFromFloat(weeklyLimit),
		day:         midnight(now),
		weekStart:   weekStart(now),
		loc:         loc,
		store:       store,
		alert:       alert,
		logger:      logger.Named("risk"),
	}
}

// Restore loads the durable weekly snapshot and rebuilds today's P&L from
// the given closed trades. Called once on boot.
func (g *Guard) Restore(ctx context.Context, todayTrades []types.Trade) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.store != nil {
		snap, ok, err := g.store.LoadRiskSnapshot(ctx)
		if err != nil {
			return err
		}
		if ok && snap.WeekStart.In(g.loc).Equal(g.weekStart) {
			g.weeklyPnL = snap.WeeklyPnL
		}
	}
	for _, tr := range todayTrades {
		if tr.Simulated {
			continue
		}
		g.dailyPnL = g.dailyPnL.Add(tr.PnL)
	}
	g.logger.Info("risk state restored",
		zap.String("dailyPnl", g.dailyPnL.String()),
		zap.String("weeklyPnl", g.weeklyPnL.String()))
	g.checkLimitsLocked()
	return nil
}

// RecordPnL adds a realized P&L delta and re-checks limits.
func (g *Guard) RecordPnL(delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyPnL = g.dailyPnL.Add(delta)
	g.weeklyPnL = g.weeklyPnL.Add(delta)
	g.checkLimitsLocked()
}

func (g *Guard) checkLimitsLocked() {
	if g.emergency {
		return
	}
	if g.dailyPnL.LessThanOrEqual(g.dailyLimit.Neg()) {
		g.latchLocked("daily loss limit exceeded: " + g.dailyPnL.String())
	}
}

func (g *Guard) latchLocked(reason string) {
	g.emergency = true
	g.emergencyReason = reason
	g.logger.Error("EMERGENCY SHUTDOWN", zap.String("reason", reason))
	g.alert("EMERGENCY SHUTDOWN: " + reason)
}

// TriggerEmergency latches the emergency flag for an external cause, such
// as repeated order failures or a consistency fault.
func (g *Guard) TriggerEmergency(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.emergency {
		g.latchLocked(reason)
	}
}

// ClearEmergency resets the latch. Operator action only.
func (g *Guard) ClearEmergency() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emergency = false
	g.emergencyReason = ""
	g.logger.Warn("emergency shutdown cleared by operator")
}

// EmergencyShutdown reports whether entries are forbidden.
func (g *Guard) EmergencyShutdown() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergency, g.emergencyReason
}

// IsDailyLimitExceeded reports whether the daily loss limit is breached.
func (g *Guard) IsDailyLimitExceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyPnL.LessThanOrEqual(g.dailyLimit.Neg())
}

// IsWeeklyLimitHit reports whether the weekly loss limit is breached.
func (g *Guard) IsWeeklyLimitHit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weeklyPnL.LessThanOrEqual(g.weeklyLimit.Neg())
}

// DailyPnL returns today's realized P&L.
func (g *Guard) DailyPnL() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyPnL
}

// WeeklyPnL returns this week's realized P&L.
func (g *Guard) WeeklyPnL() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weeklyPnL
}

// Tick performs day and week rollovers for the given wall-clock time.
// On the first call after local midnight dailyPnL resets; on the first call
// after Monday 00:00 weeklyPnL resets and the durable snapshot is rewritten.
func (g *Guard) Tick(ctx context.Context, now time.Time) {
	now = now.In(g.loc)
	g.mu.Lock()

	var persist bool
	if day := midnight(now); day.After(g.day) {
		g.logger.Info("daily P&L rollover", zap.String("closed", g.dailyPnL.String()))
		g.dailyPnL = decimal.Zero
		g.day = day
	}
	if ws := weekStart(now); ws.After(g.weekStart) {
		g.logger.Info("weekly P&L rollover", zap.String("closed", g.weeklyPnL.String()))
		g.weeklyPnL = decimal.Zero
		g.weekStart = ws
		persist = true
	}
	snap := types.RiskSnapshot{WeeklyPnL: g.weeklyPnL, WeekStart: g.weekStart, SavedAt: now}
	g.mu.Unlock()

	if persist && g.store != nil {
		if err := g.store.SaveRiskSnapshot(ctx, snap); err != nil {
			g.logger.Error("persist risk snapshot", zap.Error(err))
		}
	}
}

// Snapshot saves the current weekly state. Called on shutdown.
func (g *Guard) Snapshot(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	snap := types.RiskSnapshot{WeeklyPnL: g.weeklyPnL, WeekStart: g.weekStart, SavedAt: time.Now().In(g.loc)}
	g.mu.Unlock()
	return g.store.SaveRiskSnapshot(ctx, snap)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func weekStart(t time.Time) time.Time {
	d := midnight(t)
	// time.Weekday: Sunday=0 ... Monday=1.
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
