// Package selector ranks backtest results and promotes the next live and
// shadow strategy-stock configuration.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/backtest"
	"github.com/twquant/autotrader/pkg/types"
)

// MappingStore is the persistence slice the selector needs.
type MappingStore interface {
	BacktestResults(ctx context.Context, runID string) ([]types.BacktestResult, error)
	LatestBacktestRun(ctx context.Context) (string, error)
	ReplaceMappings(ctx context.Context, mappings []types.StrategyStockMapping) error
	Mappings(ctx context.Context) ([]types.StrategyStockMapping, error)
}

// Swapper applies a persisted mapping set to the running strategy
// population. Swap returns the outgoing active mappings whose positions
// the implementation has closed.
type Swapper interface {
	Swap(mappings []types.StrategyStockMapping) ([]types.StrategyStockMapping, error)
}

// Selector filters a run's results by hard thresholds, ranks survivors by
// fitness and atomically rewrites the mapping set: the best row goes live,
// the next ShadowCount rows run as shadows.
type Selector struct {
	cfg     types.AutoSelectionConfig
	store   MappingStore
	swapper Swapper
	now     func() time.Time
	logger  *zap.Logger
}

// NewSelector creates a selector. swapper may be nil when no live manager
// should be updated (one-shot evaluation runs).
func NewSelector(cfg types.AutoSelectionConfig, store MappingStore, swapper Swapper, logger *zap.Logger) *Selector {
	return &Selector{
		cfg:     cfg,
		store:   store,
		swapper: swapper,
		now:     time.Now,
		logger:  logger.Named("selector"),
	}
}

// SelectLatest promotes from the most recent backtest run.
func (s *Selector) SelectLatest(ctx context.Context) ([]types.StrategyStockMapping, error) {
	runID, err := s.store.LatestBacktestRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return s.Select(ctx, runID)
}

// Select promotes from a specific run. When no result passes the
// thresholds the previous mapping set is kept unchanged.
func (s *Selector) Select(ctx context.Context, runID string) ([]types.StrategyStockMapping, error) {
	results, err := s.store.BacktestResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	survivors := s.filter(results)
	if len(survivors) == 0 {
		s.logger.Warn("no result passed selection thresholds, keeping previous mappings",
			zap.String("runId", runID),
			zap.Int("evaluated", len(results)))
		return s.store.Mappings(ctx)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		fi, fj := backtest.Fitness(survivors[i]), backtest.Fitness(survivors[j])
		if fi != fj {
			return fi > fj
		}
		if survivors[i].StrategyName != survivors[j].StrategyName {
			return survivors[i].StrategyName < survivors[j].StrategyName
		}
		return survivors[i].Symbol < survivors[j].Symbol
	})

	keep := 1 + s.cfg.ShadowCount
	if keep > len(survivors) {
		keep = len(survivors)
	}
	mappings := make([]types.StrategyStockMapping, 0, keep)
	now := s.now()
	for i, res := range survivors[:keep] {
		mappings = append(mappings, types.StrategyStockMapping{
			Symbol:          res.Symbol,
			StrategyName:    res.StrategyName,
			IsActive:        i == 0,
			ConfidenceScore: backtest.Fitness(res),
			TotalReturnPct:  res.TotalReturnPct,
			SharpeRatio:     res.SharpeRatio,
			WinRatePct:      res.WinRatePct,
			MaxDrawdownPct:  res.MaxDrawdownPct,
			TotalTrades:     res.TotalTrades,
			UpdatedAt:       now,
		})
	}

	if err := s.store.ReplaceMappings(ctx, mappings); err != nil {
		return nil, fmt.Errorf("replace mappings: %w", err)
	}
	s.logger.Info("selection promoted",
		zap.String("runId", runID),
		zap.String("active", mappings[0].StrategyName),
		zap.String("symbol", mappings[0].Symbol),
		zap.Int("shadows", len(mappings)-1))

	if s.swapper != nil {
		outgoing, err := s.swapper.Swap(mappings)
		if err != nil {
			return nil, fmt.Errorf("swap strategies: %w", err)
		}
		if len(outgoing) > 0 {
			s.logger.Info("outgoing active mappings flattened", zap.Int("count", len(outgoing)))
		}
	}
	return mappings, nil
}

// filter applies the hard thresholds. Invalid rows never survive.
func (s *Selector) filter(results []types.BacktestResult) []types.BacktestResult {
	var out []types.BacktestResult
	for _, r := range results {
		switch {
		case !r.Valid || r.TotalTrades < s.cfg.MinTrades:
		case r.WinRatePct <= s.cfg.MinWinRate:
		case r.SharpeRatio <= s.cfg.MinSharpe:
		case r.TotalReturnPct <= s.cfg.MinReturn:
		case r.MaxDrawdownPct >= s.cfg.MaxDrawdown:
		default:
			out = append(out, r)
		}
	}
	return out
}
