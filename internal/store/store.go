// Package store persists trading state: mappings, backtest results, trades,
// veto events, blackout dates, risk snapshots and daily statistics.
package store

import (
	"context"
	"time"

	"github.com/twquant/autotrader/pkg/types"
)

// Store is the persistence contract. The Postgres implementation is used in
// production; the in-memory implementation backs tests and database-less
// runs.
type Store interface {
	// ReplaceMappings atomically rewrites the full strategy-stock mapping
	// set. At most one row may have IsActive=true.
	ReplaceMappings(ctx context.Context, mappings []types.StrategyStockMapping) error
	Mappings(ctx context.Context) ([]types.StrategyStockMapping, error)

	// SaveBacktestResults writes all rows of one run in a single
	// transaction.
	SaveBacktestResults(ctx context.Context, results []types.BacktestResult) error
	BacktestResults(ctx context.Context, runID string) ([]types.BacktestResult, error)
	LatestBacktestRun(ctx context.Context) (string, error)

	SaveTrade(ctx context.Context, trade types.Trade) error
	TradesOn(ctx context.Context, day time.Time) ([]types.Trade, error)
	ClosedTradeCount(ctx context.Context) (int, error)

	SaveVetoEvent(ctx context.Context, event types.VetoEvent) error
	VetoEventsOn(ctx context.Context, day time.Time) ([]types.VetoEvent, error)

	Blackouts(ctx context.Context) ([]types.EarningsBlackout, error)
	SaveBlackout(ctx context.Context, blackout types.EarningsBlackout) error

	SaveRiskSnapshot(ctx context.Context, snap types.RiskSnapshot) error
	LoadRiskSnapshot(ctx context.Context) (types.RiskSnapshot, bool, error)

	SaveDailyStatistics(ctx context.Context, stats types.DailyStatistics) error

	Close()
}
