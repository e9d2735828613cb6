// Package config loads engine configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/twquant/autotrader/pkg/types"
)

// Load reads configuration from the given file path (optional) layered over
// defaults, with AUTOTRADER_* environment variables overriding both.
// AUTOTRADER_RISK_DAILY_LOSS_LIMIT maps to risk.daily_loss_limit.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, types.DefaultConfig())

	v.SetEnvPrefix("AUTOTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &types.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *types.Config) {
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("timezone", d.Timezone)
	v.SetDefault("capital", d.Capital)
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("window.start", d.Window.Start)
	v.SetDefault("window.end", d.Window.End)
	v.SetDefault("window.flatten_lead", d.Window.FlattenLead)

	v.SetDefault("risk.daily_loss_limit", d.Risk.DailyLossLimit)
	v.SetDefault("risk.weekly_loss_limit", d.Risk.WeeklyLossLimit)
	v.SetDefault("risk.per_trade_loss", d.Risk.PerTradeLoss)
	v.SetDefault("risk.max_position_pct", d.Risk.MaxPositionPct)
	v.SetDefault("risk.max_sector_pct", d.Risk.MaxSectorPct)
	v.SetDefault("risk.max_hold_minutes", d.Risk.MaxHoldMinutes)
	v.SetDefault("risk.staleness_timeout", d.Risk.StalenessTimeout)

	v.SetDefault("stock.initial_shares", d.Stock.InitialShares)
	v.SetDefault("stock.share_increment", d.Stock.ShareIncrement)

	v.SetDefault("bridge.url", d.Bridge.URL)
	v.SetDefault("bridge.timeout", d.Bridge.Timeout)

	v.SetDefault("auto_selection.min_sharpe", d.AutoSelection.MinSharpe)
	v.SetDefault("auto_selection.min_return", d.AutoSelection.MinReturn)
	v.SetDefault("auto_selection.min_win_rate", d.AutoSelection.MinWinRate)
	v.SetDefault("auto_selection.max_drawdown", d.AutoSelection.MaxDrawdown)
	v.SetDefault("auto_selection.min_trades", d.AutoSelection.MinTrades)
	v.SetDefault("auto_selection.shadow_count", d.AutoSelection.ShadowCount)
	v.SetDefault("auto_selection.cron", d.AutoSelection.Cron)

	v.SetDefault("llm.url", d.LLM.URL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.enabled", d.LLM.Enabled)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.enable_metrics", d.Server.EnableMetrics)

	v.SetDefault("database.url", d.Database.URL)
}
