// Package main runs the automated trading engine: market data in from the
// broker bridge, strategy evaluation through the veto chain, orders out,
// with a control API and a nightly backtest/auto-selection cycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/twquant/autotrader/internal/advisor"
	"github.com/twquant/autotrader/internal/api"
	"github.com/twquant/autotrader/internal/backtest"
	"github.com/twquant/autotrader/internal/bridge"
	"github.com/twquant/autotrader/internal/compliance"
	"github.com/twquant/autotrader/internal/config"
	"github.com/twquant/autotrader/internal/control"
	"github.com/twquant/autotrader/internal/data"
	"github.com/twquant/autotrader/internal/engine"
	"github.com/twquant/autotrader/internal/execution"
	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/internal/risk"
	"github.com/twquant/autotrader/internal/selector"
	"github.com/twquant/autotrader/internal/sizing"
	"github.com/twquant/autotrader/internal/store"
	"github.com/twquant/autotrader/internal/strategy"
	"github.com/twquant/autotrader/pkg/types"
)

// Exit codes.
const (
	exitOK = iota
	exitConfig
	exitBridge
	exitStore
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults apply when empty)")
	mode := flag.String("mode", "", "override trading mode: stock or futures")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	oneShotBacktest := flag.Bool("backtest", false, "run one backtest + selection cycle and exit")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(exitConfig)
	}
	if *mode != "" {
		cfg.Mode = types.TradingMode(*mode)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", zap.Error(err))
		os.Exit(exitConfig)
	}

	logger.Info("starting autotrader",
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("symbols", cfg.Symbols),
		zap.Float64("capital", cfg.Capital))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", zap.Error(err))
		os.Exit(exitStore)
	}
	defer st.Close()

	bars := data.NewBarStore(cfg.DataDir, 0, logger)
	if err := bars.Load(cfg.Symbols, []types.Timeframe{types.Timeframe1m, types.Timeframe5m, types.Timeframe1d}); err != nil {
		logger.Warn("load bar history", zap.Error(err))
	}

	registry := strategy.NewRegistry(logger)

	if *oneShotBacktest {
		os.Exit(runBacktestCycle(ctx, cfg, registry, bars, st, logger))
	}

	client := bridge.NewClient(cfg.Bridge, logger)
	if err := waitForBridge(ctx, client, logger); err != nil {
		logger.Error("bridge unreachable", zap.Error(err))
		os.Exit(exitBridge)
	}

	hub := api.NewHub(logger)
	go hub.Run()

	loc, _ := time.LoadLocation(cfg.Timezone)
	var snapStore risk.SnapshotStore = st
	if cfg.Database.URL == "" {
		// Memory store does not survive restarts; keep the weekly snapshot
		// in a file so the weekly limit still carries over.
		snapStore = risk.NewFileSnapshotStore(filepath.Join(cfg.DataDir, "risk-snapshot.json"))
	}
	guard := risk.NewGuard(cfg.Risk.DailyLossLimit, cfg.Risk.WeeklyLossLimit, loc, snapStore,
		hub.BroadcastEmergency, logger)

	manager := strategy.NewManager(registry, logger)
	if mappings, err := st.Mappings(ctx); err != nil {
		logger.Warn("load mappings", zap.Error(err))
	} else if len(mappings) > 0 {
		if _, err := manager.Swap(mappings); err != nil {
			logger.Warn("restore mappings", zap.Error(err))
		}
	}

	guardian := compliance.NewGuard(cfg.Mode, cfg.Capital, logger)
	if blackouts, err := st.Blackouts(ctx); err != nil {
		logger.Warn("load blackout dates", zap.Error(err))
	} else {
		guardian.SetBlackouts(blackouts)
	}

	// Trade and event-log writes go through a bounded queue so the trading
	// loop never blocks on the database.
	wb := store.NewWriteback(st, filepath.Join(cfg.DataDir, "writeback-spill.jsonl"),
		store.DefaultWritebackQueueSize, logger)
	wb.Start()

	exec := execution.NewExecutor(client, guard, wb, logger)
	registry.SetBookSource(bars)

	eng, err := engine.New(cfg, engine.Deps{
		Bars:         bars,
		Manager:      manager,
		Classifier:   regime.NewClassifier(logger),
		Correlations: risk.NewCorrelationTracker(bars, logger),
		Compliance:   guardian,
		Guard:        guard,
		Sizer:        sizing.NewSizer(0.01, logger),
		Advisor:      advisor.New(cfg.LLM, logger),
		Executor:     exec,
		Events:       wb,
		Broadcast:    hub,
	}, logger)
	if err != nil {
		logger.Error("build engine", zap.Error(err))
		os.Exit(exitConfig)
	}

	if trades, err := st.TradesOn(ctx, time.Now().In(loc)); err != nil {
		logger.Warn("load today's trades", zap.Error(err))
	} else if err := guard.Restore(ctx, trades); err != nil {
		logger.Warn("restore risk state", zap.Error(err))
	}

	controller := control.NewController(eng, registry, eng, st, logger)
	server := api.NewServer(cfg.Server, eng, controller, st, hub, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server", zap.Error(err))
			cancel()
		}
	}()

	go marketDataLoop(ctx, cfg, client, eng, bars, loc, logger)
	go consistencyLoop(ctx, client, eng, logger)
	go selectionLoop(ctx, cfg, registry, eng, bars, st, loc, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	// Drain: stop intake, flatten, persist, close the surface.
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()

	eng.FlattenAll(shutdownCtx, "shutdown")
	if err := wb.Drain(shutdownCtx); err != nil {
		logger.Warn("drain writeback queue", zap.Error(err))
	}
	if err := guard.Snapshot(shutdownCtx); err != nil {
		logger.Warn("persist risk snapshot", zap.Error(err))
	}
	if err := bars.Save(); err != nil {
		logger.Warn("persist bar history", zap.Error(err))
	}
	if err := client.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	hub.Stop()
	logger.Info("shutdown complete")
}

// openStore selects Postgres when configured and memory otherwise.
func openStore(ctx context.Context, cfg *types.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.Database.URL, logger)
}

// waitForBridge retries the health probe a few times before giving up.
func waitForBridge(ctx context.Context, client *bridge.Client, logger *zap.Logger) error {
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		if err = client.Health(ctx); err == nil {
			logger.Info("bridge healthy")
			return nil
		}
		logger.Warn("bridge health check failed",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return err
}

// quotePollLimit bounds each per-symbol quote fetch.
const quotePollLimit = 50

// marketDataLoop polls the bridge quote stream per symbol and feeds the
// engine both raw quotes and completed bars. Order-book snapshots go to
// the bar store for the microstructure strategies.
func marketDataLoop(ctx context.Context, cfg *types.Config, client *bridge.Client, eng *engine.Engine, bars *data.BarStore, loc *time.Location, logger *zap.Logger) {
	agg := data.NewAggregator(loc, types.Timeframe1m, types.Timeframe5m, types.Timeframe1d)
	primeQuotes(ctx, cfg, client, eng, logger)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	seen := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range cfg.Symbols {
				quotes, err := client.Quotes(ctx, sym, quotePollLimit)
				if err != nil {
					logger.Warn("poll quotes", zap.String("symbol", sym), zap.Error(err))
					continue
				}
				for _, q := range quotes {
					if !q.Timestamp.After(seen[sym]) {
						continue
					}
					seen[sym] = q.Timestamp
					eng.OnQuote(q)
					for _, bar := range agg.Add(q) {
						eng.OnBar(ctx, bar)
					}
				}
				if book, err := client.OrderBook(ctx, sym); err == nil && book.Valid() {
					bars.SetOrderBook(book)
				}
			}
		}
	}
}

// primeQuotes seeds last prices from the adapter's signal endpoint so the
// engine has marks before the quote stream warms up.
func primeQuotes(ctx context.Context, cfg *types.Config, client *bridge.Client, eng *engine.Engine, logger *zap.Logger) {
	for _, sym := range cfg.Symbols {
		snap, err := client.Signal(ctx, sym)
		if err != nil {
			logger.Warn("prime last price", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if snap.CurrentPrice > 0 {
			eng.OnQuote(types.Quote{Symbol: sym, Price: snap.CurrentPrice, Timestamp: time.Now()})
		}
	}
}

// consistencyLoop cross-checks engine equity against the broker account
// once a minute.
func consistencyLoop(ctx context.Context, client *bridge.Client, eng *engine.Engine, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			account, err := client.Account(ctx)
			if err != nil {
				logger.Warn("poll account", zap.Error(err))
				continue
			}
			eng.CheckConsistency(ctx, account.Equity)
		}
	}
}

// selectionLoop runs the backtest + auto-selection cycle at the configured
// local time, once per day.
func selectionLoop(ctx context.Context, cfg *types.Config, registry *strategy.Registry, swapper selector.Swapper, bars *data.BarStore, st store.Store, loc *time.Location, logger *zap.Logger) {
	var lastRun string
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().In(loc)
			day := now.Format("2006-01-02")
			if now.Format("15:04") != cfg.AutoSelection.Cron || lastRun == day {
				continue
			}
			lastRun = day
			logger.Info("nightly selection cycle starting", zap.String("day", day))
			if code := backtestAndSelect(ctx, cfg, registry, swapper, bars, st, logger); code != exitOK {
				logger.Error("nightly selection cycle failed")
			}
		}
	}
}

// runBacktestCycle is the -backtest one-shot: evaluate, select, exit.
func runBacktestCycle(ctx context.Context, cfg *types.Config, registry *strategy.Registry, bars *data.BarStore, st store.Store, logger *zap.Logger) int {
	return backtestAndSelect(ctx, cfg, registry, nil, bars, st, logger)
}

func backtestAndSelect(ctx context.Context, cfg *types.Config, registry *strategy.Registry, swapper selector.Swapper, bars *data.BarStore, st store.Store, logger *zap.Logger) int {
	barsBySymbol := make(map[string][]types.Bar, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		if history := bars.Bars(sym, types.Timeframe1d, 0); len(history) > 0 {
			barsBySymbol[sym] = history
		}
	}
	if len(barsBySymbol) == 0 {
		logger.Error("no daily history to backtest", zap.Strings("symbols", cfg.Symbols))
		return exitConfig
	}

	eng := backtest.NewEngine(registry, cfg.Capital, logger)
	runner := backtest.NewRunner(eng, st, logger)
	runID, results, err := runner.RunAll(ctx, registry.List(), barsBySymbol)
	if err != nil {
		logger.Error("backtest run", zap.Error(err))
		return exitStore
	}
	logger.Info("backtest run finished",
		zap.String("runId", runID), zap.Int("results", len(results)))

	sel := selector.NewSelector(cfg.AutoSelection, st, swapper, logger)
	mappings, err := sel.Select(ctx, runID)
	if err != nil {
		logger.Error("auto-selection", zap.Error(err))
		return exitStore
	}
	for _, m := range mappings {
		if m.IsActive {
			logger.Info("active mapping",
				zap.String("strategy", m.StrategyName), zap.String("symbol", m.Symbol))
		}
	}

	validateSelection(eng, candidateNames(mappings), barsBySymbol, mappings, cfg.Capital, logger)
	return exitOK
}

// candidateNames collects the promoted strategy names for walk-forward
// re-selection per window.
func candidateNames(mappings []types.StrategyStockMapping) []string {
	names := make([]string, 0, len(mappings))
	for _, m := range mappings {
		names = append(names, m.StrategyName)
	}
	return names
}

// validateSelection runs walk-forward and Monte Carlo analysis over the
// promoted active pair and logs robustness warnings. Advisory only: a weak
// result does not roll the promotion back, it flags it for the operator.
func validateSelection(eng *backtest.Engine, candidates []string, barsBySymbol map[string][]types.Bar, mappings []types.StrategyStockMapping, capital float64, logger *zap.Logger) {
	var active *types.StrategyStockMapping
	for i := range mappings {
		if mappings[i].IsActive {
			active = &mappings[i]
			break
		}
	}
	if active == nil {
		return
	}
	history := barsBySymbol[active.Symbol]
	if len(history) == 0 {
		return
	}

	wf := backtest.NewWalkForward(eng, 0, 0, false, logger)
	windows, err := wf.Evaluate(candidates, active.Symbol, history)
	if err != nil {
		logger.Warn("walk-forward analysis", zap.Error(err))
	} else if len(windows) > 0 {
		overfit := 0
		for _, w := range windows {
			if w.Overfit {
				overfit++
			}
		}
		logger.Info("walk-forward analysis finished",
			zap.String("symbol", active.Symbol),
			zap.Int("windows", len(windows)),
			zap.Int("overfit", overfit))
		if overfit*2 > len(windows) {
			logger.Warn("selection looks overfit out of sample",
				zap.String("strategy", active.StrategyName),
				zap.String("symbol", active.Symbol))
		}
	}

	run, err := eng.Replay(active.StrategyName, active.Symbol, history)
	if err != nil {
		logger.Warn("monte carlo replay", zap.Error(err))
		return
	}
	mc := backtest.MonteCarlo(run, capital, 500, time.Now().UnixNano())
	if mc.Iterations == 0 {
		return
	}
	logger.Info("monte carlo resampling finished",
		zap.String("strategy", active.StrategyName),
		zap.Float64("finalEquityP5", mc.FinalEquityP5),
		zap.Float64("finalEquityP50", mc.FinalEquityP50),
		zap.Float64("maxDrawdownP95", mc.MaxDrawdownPctP95))
	if mc.FinalEquityP5 < capital*0.9 {
		logger.Warn("monte carlo tail outcome loses more than 10% of capital",
			zap.String("strategy", active.StrategyName),
			zap.Float64("finalEquityP5", mc.FinalEquityP5))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(exitConfig)
	}
	return logger
}
