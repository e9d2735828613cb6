// Package types provides configuration types for the trading engine.
package types

import (
	"errors"
	"fmt"
	"time"
)

// TradingMode selects the instrument universe; ComplianceGuard owns the
// restriction rules that differ between modes.
type TradingMode string

const (
	ModeStock   TradingMode = "stock"
	ModeFutures TradingMode = "futures"
)

// WindowConfig bounds the trading window in local (Asia/Taipei) time.
// Outside the window entries are suppressed; open positions are
// force-flattened at End minus FlattenLead.
type WindowConfig struct {
	Start       string        `mapstructure:"start"` // "HH:MM"
	End         string        `mapstructure:"end"`   // "HH:MM"
	FlattenLead time.Duration `mapstructure:"flatten_lead"`
}

// RiskConfig holds loss limits and position caps in TWD.
type RiskConfig struct {
	DailyLossLimit   float64       `mapstructure:"daily_loss_limit"`
	WeeklyLossLimit  float64       `mapstructure:"weekly_loss_limit"`
	PerTradeLoss     float64       `mapstructure:"per_trade_loss"`
	MaxPositionPct   float64       `mapstructure:"max_position_pct"`
	MaxSectorPct     float64       `mapstructure:"max_sector_pct"`
	MaxHoldMinutes   int           `mapstructure:"max_hold_minutes"`
	StalenessTimeout time.Duration `mapstructure:"staleness_timeout"`
}

// StockConfig holds per-trade share sizing.
type StockConfig struct {
	InitialShares  int64 `mapstructure:"initial_shares"`
	ShareIncrement int64 `mapstructure:"share_increment"`
}

// BridgeConfig locates the broker/market-data adapter.
type BridgeConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AutoSelectionConfig holds selection thresholds and the nightly schedule.
type AutoSelectionConfig struct {
	MinSharpe   float64 `mapstructure:"min_sharpe"`
	MinReturn   float64 `mapstructure:"min_return"`
	MinWinRate  float64 `mapstructure:"min_win_rate"`
	MaxDrawdown float64 `mapstructure:"max_drawdown"`
	MinTrades   int     `mapstructure:"min_trades"`
	ShadowCount int     `mapstructure:"shadow_count"`
	Cron        string  `mapstructure:"cron"`
}

// LLMConfig configures the optional advisor used in the veto chain.
type LLMConfig struct {
	URL     string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	Enabled bool          `mapstructure:"enabled"`
}

// ServerConfig configures the control/status HTTP surface.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// DatabaseConfig locates the persistence backend. Empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// Config is the full engine configuration.
type Config struct {
	Mode          TradingMode         `mapstructure:"mode"`
	Symbols       []string            `mapstructure:"symbols"`
	Sectors       map[string]string   `mapstructure:"sectors"` // symbol -> sector
	Timezone      string              `mapstructure:"timezone"`
	Capital       float64             `mapstructure:"capital"`
	Window        WindowConfig        `mapstructure:"window"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Stock         StockConfig         `mapstructure:"stock"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	AutoSelection AutoSelectionConfig `mapstructure:"auto_selection"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	DataDir       string              `mapstructure:"data_dir"`
}

// DefaultConfig returns the stock-mode defaults from the specification.
func DefaultConfig() *Config {
	return &Config{
		Mode:     ModeStock,
		Timezone: "Asia/Taipei",
		Capital:  80_000,
		Window: WindowConfig{
			Start:       "11:30",
			End:         "13:00",
			FlattenLead: 10 * time.Second,
		},
		Risk: RiskConfig{
			DailyLossLimit:   4_600,
			WeeklyLossLimit:  10_000,
			PerTradeLoss:     500,
			MaxPositionPct:   0.25,
			MaxSectorPct:     0.40,
			MaxHoldMinutes:   90,
			StalenessTimeout: 3 * time.Second,
		},
		Stock: StockConfig{
			InitialShares:  1_000,
			ShareIncrement: 1_000,
		},
		Bridge: BridgeConfig{
			URL:     "http://127.0.0.1:5000",
			Timeout: 5 * time.Second,
		},
		AutoSelection: AutoSelectionConfig{
			MinSharpe:   0.5,
			MinReturn:   10,
			MinWinRate:  50,
			MaxDrawdown: 20,
			MinTrades:   10,
			ShadowCount: 5,
			Cron:        "02:30",
		},
		LLM: LLMConfig{
			Timeout: 3 * time.Second,
			Enabled: false,
		},
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8087,
			EnableMetrics: true,
		},
		DataDir: "./data",
	}
}

// Validate checks numeric fields for sensible bounds and returns the first
// problem found, so a bad configuration surfaces before trading starts.
func (c *Config) Validate() error {
	if c.Mode != ModeStock && c.Mode != ModeFutures {
		return fmt.Errorf("mode %q must be %q or %q", c.Mode, ModeStock, ModeFutures)
	}
	if c.Capital <= 0 {
		return errors.New("capital must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if _, err := ParseClock(c.Window.Start); err != nil {
		return fmt.Errorf("window.start: %w", err)
	}
	if _, err := ParseClock(c.Window.End); err != nil {
		return fmt.Errorf("window.end: %w", err)
	}
	if c.Risk.DailyLossLimit <= 0 {
		return errors.New("risk.daily_loss_limit must be positive")
	}
	if c.Risk.WeeklyLossLimit < c.Risk.DailyLossLimit {
		return errors.New("risk.weekly_loss_limit must be >= daily_loss_limit")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct (%f) must be in (0,1]", c.Risk.MaxPositionPct)
	}
	if c.Risk.MaxSectorPct < c.Risk.MaxPositionPct {
		return errors.New("risk.max_sector_pct must be >= max_position_pct")
	}
	if c.Stock.InitialShares <= 0 || c.Stock.ShareIncrement <= 0 {
		return errors.New("stock share sizes must be positive")
	}
	if c.Bridge.URL == "" {
		return errors.New("bridge.url is required")
	}
	if c.AutoSelection.ShadowCount < 0 {
		return errors.New("auto_selection.shadow_count cannot be negative")
	}
	if c.LLM.Enabled && c.LLM.URL == "" {
		return errors.New("llm.url is required when llm.enabled")
	}
	return nil
}

// ClockTime is a wall-clock minute of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	var ct ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute); err != nil {
		return ct, fmt.Errorf("invalid clock time %q", s)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 {
		return ct, fmt.Errorf("clock time %q out of range", s)
	}
	return ct, nil
}

// MinuteOfDay returns hour*60+minute.
func (ct ClockTime) MinuteOfDay() int { return ct.Hour*60 + ct.Minute }

// At anchors the clock time onto the date of t in t's location.
func (ct ClockTime) At(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), ct.Hour, ct.Minute, 0, 0, t.Location())
}
