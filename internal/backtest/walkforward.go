package backtest

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// Walk-forward defaults.
const (
	DefaultTrainTestRatio   = 3.0
	DefaultWindowStepDays   = 20
	DefaultOverfitThreshold = 0.5 // in-sample minus out-of-sample fitness
)

// Window is one train/test split of the evaluation range.
type Window struct {
	TrainStart time.Time
	TrainEnd   time.Time
	TestStart  time.Time
	TestEnd    time.Time
}

// WindowResult holds one window's winning strategy and its in-sample and
// out-of-sample scores.
type WindowResult struct {
	Window       Window
	Strategy     string
	TrainResult  types.BacktestResult
	TestResult   types.BacktestResult
	TrainFitness float64
	TestFitness  float64
	Overfit      bool
}

// WalkForward splits a date range into train/test windows and evaluates a
// strategy on each, flagging windows where in-sample fitness runs far
// ahead of out-of-sample fitness.
type WalkForward struct {
	engine           *Engine
	trainTestRatio   float64
	windowStepDays   int
	anchored         bool
	overfitThreshold float64
	logger           *zap.Logger
}

// NewWalkForward creates a walk-forward evaluator. Zero values take the
// defaults; anchored windows keep the train start pinned to the range
// start instead of rolling it forward.
func NewWalkForward(engine *Engine, trainTestRatio float64, windowStepDays int, anchored bool, logger *zap.Logger) *WalkForward {
	if trainTestRatio <= 0 {
		trainTestRatio = DefaultTrainTestRatio
	}
	if windowStepDays <= 0 {
		windowStepDays = DefaultWindowStepDays
	}
	return &WalkForward{
		engine:           engine,
		trainTestRatio:   trainTestRatio,
		windowStepDays:   windowStepDays,
		anchored:         anchored,
		overfitThreshold: DefaultOverfitThreshold,
		logger:           logger.Named("walkforward"),
	}
}

// Windows generates the train/test splits over [start, end). The test
// slice is windowStepDays long; the train slice is trainTestRatio times
// that.
func (w *WalkForward) Windows(start, end time.Time) []Window {
	testDays := w.windowStepDays
	trainDays := int(float64(testDays) * w.trainTestRatio)

	var out []Window
	trainStart := start
	testStart := start.AddDate(0, 0, trainDays)
	for {
		testEnd := testStart.AddDate(0, 0, testDays)
		if testEnd.After(end) {
			break
		}
		out = append(out, Window{
			TrainStart: trainStart,
			TrainEnd:   testStart,
			TestStart:  testStart,
			TestEnd:    testEnd,
		})
		testStart = testStart.AddDate(0, 0, w.windowStepDays)
		if !w.anchored {
			trainStart = trainStart.AddDate(0, 0, w.windowStepDays)
		}
	}
	return out
}

// Evaluate walks the bar range window by window: every candidate strategy
// is replayed on the train slice, the best in-sample fitness wins the
// window, and only the winner is validated on the held-out test slice.
// Bars must be in ascending order.
func (w *WalkForward) Evaluate(candidates []string, symbol string, bars []types.Bar) ([]WindowResult, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate strategies for %s", symbol)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	start := bars[0].Timestamp
	end := bars[len(bars)-1].Timestamp.AddDate(0, 0, 1)

	var results []WindowResult
	for _, win := range w.Windows(start, end) {
		train := barsBetween(bars, win.TrainStart, win.TrainEnd)
		test := barsBetween(bars, win.TestStart, win.TestEnd)
		if len(train) == 0 || len(test) == 0 {
			continue
		}

		var best string
		var bestResult types.BacktestResult
		bestFitness := math.Inf(-1)
		for _, name := range candidates {
			trainRun, err := w.engine.Replay(name, symbol, train)
			if err != nil {
				return nil, err
			}
			res := Score(trainRun, w.engine.initialCapital)
			if f := Fitness(res); f > bestFitness {
				best, bestResult, bestFitness = name, res, f
			}
		}

		testRun, err := w.engine.Replay(best, symbol, test)
		if err != nil {
			return nil, err
		}
		wr := WindowResult{
			Window:      win,
			Strategy:    best,
			TrainResult: bestResult,
			TestResult:  Score(testRun, w.engine.initialCapital),
		}
		wr.TrainFitness = bestFitness
		wr.TestFitness = Fitness(wr.TestResult)
		wr.Overfit = wr.TrainFitness-wr.TestFitness > w.overfitThreshold
		if wr.Overfit {
			w.logger.Warn("overfit window",
				zap.String("strategy", best),
				zap.String("symbol", symbol),
				zap.Time("testStart", win.TestStart),
				zap.Float64("inSample", wr.TrainFitness),
				zap.Float64("outOfSample", wr.TestFitness))
		}
		results = append(results, wr)
	}
	return results, nil
}

func barsBetween(bars []types.Bar, from, to time.Time) []types.Bar {
	var out []types.Bar
	for _, b := range bars {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			out = append(out, b)
		}
	}
	return out
}
