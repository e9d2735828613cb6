package backtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/metrics"
	"github.com/twquant/autotrader/internal/workers"
	"github.com/twquant/autotrader/pkg/types"
)

// ResultSink persists one run's result rows in a single write.
type ResultSink interface {
	SaveBacktestResults(ctx context.Context, results []types.BacktestResult) error
}

// Runner fans (strategy, symbol) evaluations out over a worker pool and
// persists the whole run atomically.
type Runner struct {
	engine *Engine
	sink   ResultSink
	logger *zap.Logger
}

// NewRunner creates a runner. sink may be nil to skip persistence.
func NewRunner(engine *Engine, sink ResultSink, logger *zap.Logger) *Runner {
	return &Runner{engine: engine, sink: sink, logger: logger.Named("runner")}
}

// RunAll evaluates every strategy against every symbol that has bars and
// returns the new run ID with all result rows. Pairs that error (too few
// bars, unknown strategy) are logged and skipped.
func (r *Runner) RunAll(ctx context.Context, strategyNames []string, barsBySymbol map[string][]types.Bar) (string, []types.BacktestResult, error) {
	runID := uuid.NewString()

	pool := workers.NewPool(workers.DefaultPoolConfig("backtest"), r.logger)
	pool.Start(ctx)

	var mu sync.Mutex
	var results []types.BacktestResult

	for symbol, bars := range barsBySymbol {
		for _, name := range strategyNames {
			symbol, name, bars := symbol, name, bars
			err := pool.Submit(ctx, workers.TaskFunc(func() error {
				res, err := r.engine.Evaluate(runID, name, symbol, bars)
				if err != nil {
					return fmt.Errorf("evaluate %s on %s: %w", name, symbol, err)
				}
				metrics.BacktestEvaluations.WithLabelValues(strconv.FormatBool(res.Valid)).Inc()
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			}))
			if err != nil {
				pool.Wait()
				return "", nil, err
			}
		}
	}
	pool.Wait()

	r.logger.Info("backtest run complete",
		zap.String("runId", runID),
		zap.Int("results", len(results)),
		zap.Int64("failed", pool.Failed()))

	if len(results) == 0 {
		return "", nil, fmt.Errorf("backtest run produced no results")
	}
	if r.sink != nil {
		if err := r.sink.SaveBacktestResults(ctx, results); err != nil {
			return "", nil, fmt.Errorf("persist run %s: %w", runID, err)
		}
	}
	return runID, results, nil
}
