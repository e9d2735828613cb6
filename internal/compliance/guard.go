// Package compliance enforces Taiwan market rules on entry candidates.
package compliance

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

const (
	// DayTradeCapitalFloor is the minimum account capital for odd-lot day
	// trading under Taiwan rules, in TWD.
	DayTradeCapitalFloor = 2_000_000

	// StockLotSize is the board lot for Taiwan listed stock.
	StockLotSize = 1000

	// DefaultBlackoutDays suppresses entries this many trading days before
	// a symbol's earnings date.
	DefaultBlackoutDays = 1
)

// Check describes one entry candidate for compliance review.
type Check struct {
	Symbol    string
	Direction types.Direction
	Quantity  int64
	Intraday  bool // same-day round trip intended
	At        time.Time
}

// Guard owns all mode-dependent restriction rules.
type Guard struct {
	mu        sync.RWMutex
	mode      types.TradingMode
	capital   float64
	blackouts map[string]time.Time // symbol -> next earnings date
	logger    *zap.Logger
}

// NewGuard creates a Guard for the given mode and account capital.
func NewGuard(mode types.TradingMode, capital float64, logger *zap.Logger) *Guard {
	return &Guard{
		mode:      mode,
		capital:   capital,
		blackouts: make(map[string]time.Time),
		logger:    logger.Named("compliance"),
	}
}

// LotSize returns the minimum order quantity for the current mode.
func (g *Guard) LotSize() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.mode == types.ModeStock {
		return StockLotSize
	}
	return 1
}

// SetCapital updates the account capital used for the day-trade floor.
func (g *Guard) SetCapital(capital float64) {
	g.mu.Lock()
	g.capital = capital
	g.mu.Unlock()
}

// SetBlackouts replaces the earnings calendar.
func (g *Guard) SetBlackouts(dates []types.EarningsBlackout) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blackouts = make(map[string]time.Time, len(dates))
	for _, d := range dates {
		g.blackouts[d.Symbol] = d.EarningsDate
	}
}

// Review returns a veto event for a non-compliant entry, or nil when the
// entry passes. Vetoes are outcomes, not errors.
func (g *Guard) Review(c Check) *types.VetoEvent {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.mode == types.ModeStock && c.Direction == types.DirectionShort {
		return g.veto(c, types.VetoCompliance, "Short selling is not permitted for retail stock accounts")
	}

	if g.mode == types.ModeStock && c.Intraday && c.Quantity%StockLotSize != 0 {
		if g.capital < DayTradeCapitalFloor {
			return g.veto(c, types.VetoCompliance,
				fmt.Sprintf("Odd-lot day trading requires >= 2,000,000 TWD capital (have %.0f)", g.capital))
		}
	}

	if earnings, ok := g.blackouts[c.Symbol]; ok {
		days := tradingDaysUntil(c.At, earnings)
		if days >= 0 && days <= DefaultBlackoutDays {
			return g.veto(c, types.VetoBlackout,
				fmt.Sprintf("earnings on %s within blackout window", earnings.Format("2006-01-02")))
		}
	}
	return nil
}

func (g *Guard) veto(c Check, kind types.VetoKind, reason string) *types.VetoEvent {
	g.logger.Info("compliance veto",
		zap.String("symbol", c.Symbol),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
	return &types.VetoEvent{
		Symbol:    c.Symbol,
		Kind:      kind,
		Reason:    reason,
		Timestamp: c.At,
	}
}

// tradingDaysUntil counts weekdays strictly between now and the target
// date, returning negative when the date has passed.
func tradingDaysUntil(now, target time.Time) int {
	nd := now.Truncate(24 * time.Hour)
	td := target.Truncate(24 * time.Hour)
	if td.Before(nd) {
		return -1
	}
	days := 0
	for d := nd.AddDate(0, 0, 1); !d.After(td); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days++
		}
	}
	return days
}
