package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, url string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, logger: logger.Named("store")}, nil
}

func (p *Postgres) ReplaceMappings(ctx context.Context, mappings []types.StrategyStockMapping) error {
	active := 0
	for _, m := range mappings {
		if m.IsActive {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("mapping set has %d active rows, want at most 1", active)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM strategy_stock_mapping`); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	for _, m := range mappings {
		_, err := tx.Exec(ctx, `
			INSERT INTO strategy_stock_mapping
				(symbol, strategy_name, is_active, confidence_score,
				 total_return_pct, sharpe_ratio, win_rate_pct,
				 max_drawdown_pct, total_trades, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			m.Symbol, m.StrategyName, m.IsActive, m.ConfidenceScore,
			m.TotalReturnPct, m.SharpeRatio, m.WinRatePct,
			m.MaxDrawdownPct, m.TotalTrades, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert mapping %s/%s: %w", m.Symbol, m.StrategyName, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Mappings(ctx context.Context) ([]types.StrategyStockMapping, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT symbol, strategy_name, is_active, confidence_score,
		       total_return_pct, sharpe_ratio, win_rate_pct,
		       max_drawdown_pct, total_trades, updated_at
		FROM strategy_stock_mapping
		ORDER BY is_active DESC, confidence_score DESC`)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var out []types.StrategyStockMapping
	for rows.Next() {
		var m types.StrategyStockMapping
		if err := rows.Scan(&m.Symbol, &m.StrategyName, &m.IsActive, &m.ConfidenceScore,
			&m.TotalReturnPct, &m.SharpeRatio, &m.WinRatePct,
			&m.MaxDrawdownPct, &m.TotalTrades, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveBacktestResults(ctx context.Context, results []types.BacktestResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range results {
		_, err := tx.Exec(ctx, `
			INSERT INTO backtest_results
				(backtest_run_id, symbol, strategy_name, total_return_pct,
				 sharpe_ratio, sortino_ratio, calmar_ratio, win_rate_pct,
				 max_drawdown_pct, total_trades, average_hold_bars,
				 final_equity, peak_equity, valid, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			r.BacktestRunID, r.Symbol, r.StrategyName, r.TotalReturnPct,
			r.SharpeRatio, r.SortinoRatio, r.CalmarRatio, r.WinRatePct,
			r.MaxDrawdownPct, r.TotalTrades, r.AverageHoldBars,
			r.FinalEquity, r.PeakEquity, r.Valid, r.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert result %s/%s: %w", r.Symbol, r.StrategyName, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) BacktestResults(ctx context.Context, runID string) ([]types.BacktestResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT backtest_run_id, symbol, strategy_name, total_return_pct,
		       sharpe_ratio, sortino_ratio, calmar_ratio, win_rate_pct,
		       max_drawdown_pct, total_trades, average_hold_bars,
		       final_equity, peak_equity, valid, completed_at
		FROM backtest_results WHERE backtest_run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []types.BacktestResult
	for rows.Next() {
		var r types.BacktestResult
		if err := rows.Scan(&r.BacktestRunID, &r.Symbol, &r.StrategyName, &r.TotalReturnPct,
			&r.SharpeRatio, &r.SortinoRatio, &r.CalmarRatio, &r.WinRatePct,
			&r.MaxDrawdownPct, &r.TotalTrades, &r.AverageHoldBars,
			&r.FinalEquity, &r.PeakEquity, &r.Valid, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestBacktestRun(ctx context.Context) (string, error) {
	var runID string
	err := p.pool.QueryRow(ctx, `
		SELECT backtest_run_id FROM backtest_results
		ORDER BY completed_at DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return runID, nil
}

func (p *Postgres) SaveTrade(ctx context.Context, t types.Trade) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO trade
			(id, order_id, symbol, side, quantity, price, pnl,
			 strategy, simulated, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.OrderID, t.Symbol, string(t.Side), t.Quantity, t.Price,
		t.PnL, t.Strategy, t.Simulated, t.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (p *Postgres) TradesOn(ctx context.Context, day time.Time) ([]types.Trade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, order_id, symbol, side, quantity, price, pnl,
		       strategy, simulated, executed_at
		FROM trade
		WHERE executed_at >= $1 AND executed_at < $2
		ORDER BY executed_at`,
		day.Truncate(24*time.Hour), day.Truncate(24*time.Hour).AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &side, &t.Quantity, &t.Price,
			&t.PnL, &t.Strategy, &t.Simulated, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = types.OrderSide(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ClosedTradeCount(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM trade WHERE pnl <> 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("closed trade count: %w", err)
	}
	return n, nil
}

func (p *Postgres) SaveVetoEvent(ctx context.Context, e types.VetoEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO veto_event (symbol, strategy, kind, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.Symbol, e.Strategy, string(e.Kind), e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert veto event: %w", err)
	}
	return nil
}

func (p *Postgres) VetoEventsOn(ctx context.Context, day time.Time) ([]types.VetoEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT symbol, strategy, kind, reason, created_at
		FROM veto_event
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at`,
		day.Truncate(24*time.Hour), day.Truncate(24*time.Hour).AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("query veto events: %w", err)
	}
	defer rows.Close()

	var out []types.VetoEvent
	for rows.Next() {
		var e types.VetoEvent
		var kind string
		if err := rows.Scan(&e.Symbol, &e.Strategy, &kind, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan veto event: %w", err)
		}
		e.Kind = types.VetoKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Blackouts(ctx context.Context) ([]types.EarningsBlackout, error) {
	rows, err := p.pool.Query(ctx, `SELECT symbol, earnings_date FROM earnings_blackout_date`)
	if err != nil {
		return nil, fmt.Errorf("query blackouts: %w", err)
	}
	defer rows.Close()

	var out []types.EarningsBlackout
	for rows.Next() {
		var b types.EarningsBlackout
		if err := rows.Scan(&b.Symbol, &b.EarningsDate); err != nil {
			return nil, fmt.Errorf("scan blackout: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveBlackout(ctx context.Context, b types.EarningsBlackout) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO earnings_blackout_date (symbol, earnings_date)
		VALUES ($1,$2)
		ON CONFLICT (symbol, earnings_date) DO NOTHING`,
		b.Symbol, b.EarningsDate)
	if err != nil {
		return fmt.Errorf("insert blackout: %w", err)
	}
	return nil
}

func (p *Postgres) SaveRiskSnapshot(ctx context.Context, snap types.RiskSnapshot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO risk_snapshot (id, weekly_pnl, week_start, saved_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET weekly_pnl = EXCLUDED.weekly_pnl,
		    week_start = EXCLUDED.week_start,
		    saved_at   = EXCLUDED.saved_at`,
		snap.WeeklyPnL, snap.WeekStart, snap.SavedAt)
	if err != nil {
		return fmt.Errorf("save risk snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) LoadRiskSnapshot(ctx context.Context) (types.RiskSnapshot, bool, error) {
	var snap types.RiskSnapshot
	err := p.pool.QueryRow(ctx, `
		SELECT weekly_pnl, week_start, saved_at FROM risk_snapshot WHERE id = 1`).
		Scan(&snap.WeeklyPnL, &snap.WeekStart, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RiskSnapshot{}, false, nil
	}
	if err != nil {
		return types.RiskSnapshot{}, false, fmt.Errorf("load risk snapshot: %w", err)
	}
	return snap, true, nil
}

func (p *Postgres) SaveDailyStatistics(ctx context.Context, stats types.DailyStatistics) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO daily_statistics (date, total_trades, wins, realized_pnl)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (date) DO UPDATE
		SET total_trades = EXCLUDED.total_trades,
		    wins         = EXCLUDED.wins,
		    realized_pnl = EXCLUDED.realized_pnl`,
		stats.Date, stats.TotalTrades, stats.Wins, stats.RealizedPnL)
	if err != nil {
		return fmt.Errorf("save daily statistics: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
