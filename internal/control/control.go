// Package control parses operator commands and applies them to the running
// engine between ticks.
package control

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/engine"
	"github.com/twquant/autotrader/internal/sizing"
	"github.com/twquant/autotrader/pkg/types"
)

// Go-live eligibility thresholds over the simulated track record.
const (
	MinClosedTrades  = 20
	MinWinRatePct    = 55.0
	MaxDrawdownLimit = 5.0 // percent

	// ConfirmWindow bounds the golive -> confirmlive handshake.
	ConfirmWindow = 10 * time.Minute
)

// EngineControl is the slice of the engine the controller drives.
type EngineControl interface {
	Pause()
	Resume()
	Paused() bool
	FlattenAll(ctx context.Context, reason string)
	EmergencyHalt(ctx context.Context, reason string)
	SetLive(live bool)
	Live() bool
	SetShareSize(n int64)
	SetShareIncrement(n int64)
	Status() engine.Status
	TradeStats() sizing.TradeStats
	MaxDrawdownPct() float64
}

// StrategyAdmin lists and swaps the strategy population.
type StrategyAdmin interface {
	List() []string
}

// Swapper replaces the running strategy population.
type Swapper interface {
	Swap(mappings []types.StrategyStockMapping) ([]types.StrategyStockMapping, error)
	Active() (types.StrategyStockMapping, bool)
	Mappings() []types.StrategyStockMapping
}

// MappingStore persists the mapping set so a restart restores it.
type MappingStore interface {
	ReplaceMappings(ctx context.Context, mappings []types.StrategyStockMapping) error
}

// Controller owns the operator command surface. Commands are idempotent:
// repeating one reports the current state instead of failing.
type Controller struct {
	mu sync.Mutex

	engine   EngineControl
	registry StrategyAdmin
	swapper  Swapper
	store    MappingStore

	pendingLiveUntil time.Time

	now    func() time.Time
	logger *zap.Logger
}

// NewController creates a Controller. store may be nil to skip mapping
// persistence.
func NewController(eng EngineControl, registry StrategyAdmin, swapper Swapper, store MappingStore, logger *zap.Logger) *Controller {
	return &Controller{
		engine:   eng,
		registry: registry,
		swapper:  swapper,
		store:    store,
		now:      time.Now,
		logger:   logger.Named("control"),
	}
}

// Handle parses and executes one command line and returns the operator
// reply. Unknown commands are errors; known commands never are.
func (c *Controller) Handle(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("command", zap.String("cmd", cmd), zap.Strings("args", args))

	switch cmd {
	case "pause":
		if c.engine.Paused() {
			return "already paused", nil
		}
		c.engine.Pause()
		return "paused: entries suspended, protective exits still active", nil

	case "resume":
		if !c.engine.Paused() {
			return "already running", nil
		}
		c.engine.Resume()
		return "resumed", nil

	case "flatten":
		c.engine.FlattenAll(ctx, "operator flatten")
		return "all positions flattened", nil

	case "shutdown":
		c.engine.EmergencyHalt(ctx, "operator shutdown")
		return "emergency shutdown: flattened and halted", nil

	case "golive":
		return c.goLive()

	case "confirmlive":
		return c.confirmLive()

	case "backtosim":
		if !c.engine.Live() {
			return "already in simulation mode", nil
		}
		c.engine.SetLive(false)
		return "back to simulation mode", nil

	case "changeshare":
		n, err := positiveArg(args)
		if err != nil {
			return "", fmt.Errorf("changeshare: %w", err)
		}
		c.engine.SetShareSize(n)
		return fmt.Sprintf("base share size set to %d", n), nil

	case "changeincrement":
		n, err := positiveArg(args)
		if err != nil {
			return "", fmt.Errorf("changeincrement: %w", err)
		}
		c.engine.SetShareIncrement(n)
		return fmt.Sprintf("share increment set to %d", n), nil

	case "liststrategies":
		names := c.registry.List()
		sort.Strings(names)
		return strings.Join(names, "\n"), nil

	case "selectstrategy":
		if len(args) == 0 {
			return "", fmt.Errorf("selectstrategy: strategy name required")
		}
		return c.selectStrategy(ctx, strings.Join(args, " "))

	case "talk":
		if len(args) == 0 {
			return "", fmt.Errorf("talk: message required")
		}
		// The advisor is review-only; acknowledge and log for the session
		// transcript.
		c.logger.Info("operator note", zap.String("message", strings.Join(args, " ")))
		return "noted", nil

	case "insight":
		return c.insight(), nil

	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

// goLive checks the simulated track record and arms the confirmation
// window.
func (c *Controller) goLive() (string, error) {
	if c.engine.Live() {
		return "already live", nil
	}
	stats := c.engine.TradeStats()
	dd := c.engine.MaxDrawdownPct()

	var blocks []string
	if stats.Trades < MinClosedTrades {
		blocks = append(blocks, fmt.Sprintf("closed trades %d < %d", stats.Trades, MinClosedTrades))
	}
	if stats.WinRate*100 < MinWinRatePct {
		blocks = append(blocks, fmt.Sprintf("win rate %.1f%% < %.0f%%", stats.WinRate*100, MinWinRatePct))
	}
	if dd > MaxDrawdownLimit {
		blocks = append(blocks, fmt.Sprintf("max drawdown %.1f%% > %.0f%%", dd, MaxDrawdownLimit))
	}
	if len(blocks) > 0 {
		return "not eligible for live trading: " + strings.Join(blocks, "; "), nil
	}

	c.pendingLiveUntil = c.now().Add(ConfirmWindow)
	return fmt.Sprintf("eligible: confirm with 'confirmlive' within %s", ConfirmWindow), nil
}

func (c *Controller) confirmLive() (string, error) {
	if c.engine.Live() {
		return "already live", nil
	}
	if c.pendingLiveUntil.IsZero() {
		return "no pending go-live: run 'golive' first", nil
	}
	if c.now().After(c.pendingLiveUntil) {
		c.pendingLiveUntil = time.Time{}
		return "confirmation window expired: run 'golive' again", nil
	}
	c.pendingLiveUntil = time.Time{}
	c.engine.SetLive(true)
	return "LIVE trading enabled", nil
}

// selectStrategy forces the active strategy, keeping the current symbol and
// the shadow population, and persists the new set.
func (c *Controller) selectStrategy(ctx context.Context, name string) (string, error) {
	active, ok := c.swapper.Active()
	if !ok {
		return "", fmt.Errorf("selectstrategy: no active mapping to rebind")
	}
	if active.StrategyName == name {
		return fmt.Sprintf("%s already active on %s", name, active.Symbol), nil
	}

	next := []types.StrategyStockMapping{{
		Symbol:       active.Symbol,
		StrategyName: name,
		IsActive:     true,
		UpdatedAt:    c.now(),
	}}
	for _, m := range c.swapper.Mappings() {
		if m.IsActive || (m.StrategyName == name && m.Symbol == active.Symbol) {
			continue
		}
		next = append(next, m)
	}

	if _, err := c.swapper.Swap(next); err != nil {
		return "", err
	}
	if c.store != nil {
		if err := c.store.ReplaceMappings(ctx, next); err != nil {
			c.logger.Error("persist mappings", zap.Error(err))
		}
	}
	return fmt.Sprintf("active strategy set to %s on %s", name, active.Symbol), nil
}

// insight renders a one-screen status summary.
func (c *Controller) insight() string {
	st := c.engine.Status()
	stats := c.engine.TradeStats()

	var b strings.Builder
	mode := "SIM"
	if st.Live {
		mode = "LIVE"
	}
	fmt.Fprintf(&b, "mode=%s paused=%v emergency=%v\n", mode, st.Paused, st.Emergency)
	if st.Emergency {
		fmt.Fprintf(&b, "emergency: %s\n", st.EmergencyNote)
	}
	fmt.Fprintf(&b, "pnl: daily=%s weekly=%s cash=%s\n", st.DailyPnL, st.WeeklyPnL, st.Cash)
	fmt.Fprintf(&b, "trades=%d winRate=%.1f%% maxDD=%.1f%%\n",
		stats.Trades, stats.WinRate*100, c.engine.MaxDrawdownPct())
	if st.Active != nil {
		fmt.Fprintf(&b, "active: %s on %s\n", st.Active.StrategyName, st.Active.Symbol)
	}
	fmt.Fprintf(&b, "positions=%d shadows=%d", len(st.Positions), max(0, len(st.Mappings)-1))
	return b.String()
}

func positiveArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("exactly one numeric argument required")
	}
	n, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("argument must be a positive integer, got %q", args[0])
	}
	return n, nil
}
