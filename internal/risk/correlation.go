package risk

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/indicators"
	"github.com/twquant/autotrader/pkg/types"
)

// Correlation thresholds.
const (
	HighCorr     = 0.70
	CriticalCorr = 0.85

	corrLookbackDays = 60
	corrCacheTTL     = 24 * time.Hour
)

// ReturnsSource supplies daily bars for correlation computation.
type ReturnsSource interface {
	Bars(symbol string, tf types.Timeframe, n int) []types.Bar
}

type corrKey struct {
	A string // lexicographically smaller symbol
	B string
}

type corrEntry struct {
	value      float64
	computedAt time.Time
}

// ConcentrationReport summarizes pairwise correlation across open positions.
type ConcentrationReport struct {
	AverageCorrelation   float64
	ShouldReduceExposure bool
	Warnings             []string
}

// CorrelationTracker caches pairwise Pearson correlations of daily log
// returns over the last 60 trading days. Entries expire after 24 hours.
type CorrelationTracker struct {
	mu     sync.Mutex
	cache  map[corrKey]corrEntry
	source ReturnsSource
	now    func() time.Time
	logger *zap.Logger
}

// NewCorrelationTracker creates a tracker backed by the given bar source.
func NewCorrelationTracker(source ReturnsSource, logger *zap.Logger) *CorrelationTracker {
	return &CorrelationTracker{
		cache:  make(map[corrKey]corrEntry),
		source: source,
		now:    time.Now,
		logger: logger.Named("correlation"),
	}
}

func key(a, b string) corrKey {
	if a > b {
		a, b = b, a
	}
	return corrKey{A: a, B: b}
}

// Correlation returns the Pearson correlation of the two symbols' daily log
// returns, served from cache when fresh.
func (t *CorrelationTracker) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	k := key(a, b)

	t.mu.Lock()
	if e, ok := t.cache[k]; ok && t.now().Sub(e.computedAt) < corrCacheTTL {
		t.mu.Unlock()
		return e.value
	}
	t.mu.Unlock()

	v := t.compute(a, b)

	t.mu.Lock()
	t.cache[k] = corrEntry{value: v, computedAt: t.now()}
	t.mu.Unlock()
	return v
}

func (t *CorrelationTracker) compute(a, b string) float64 {
	barsA := t.source.Bars(a, types.Timeframe1d, corrLookbackDays+1)
	barsB := t.source.Bars(b, types.Timeframe1d, corrLookbackDays+1)
	n := len(barsA)
	if len(barsB) < n {
		n = len(barsB)
	}
	if n < 2 {
		return 0
	}
	retA := indicators.LogReturns(indicators.Closes(barsA[len(barsA)-n:]))
	retB := indicators.LogReturns(indicators.Closes(barsB[len(barsB)-n:]))
	if len(retA) != len(retB) {
		return 0
	}
	rho, err := indicators.Pearson(retA, retB)
	if err != nil {
		return 0
	}
	return rho
}

// AverageAgainst returns the mean correlation of candidate against the open
// position symbols, ignoring the candidate itself.
func (t *CorrelationTracker) AverageAgainst(candidate string, open []string) float64 {
	var sum float64
	var n int
	for _, sym := range open {
		if sym == candidate {
			continue
		}
		sum += t.Correlation(candidate, sym)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// EntryScale returns (allowed, sizeScale) for a candidate entry given the
// open position set. Average correlation above CriticalCorr rejects the
// entry; between HighCorr and CriticalCorr the size scales linearly from
// 1.0 down to 0.5.
func (t *CorrelationTracker) EntryScale(candidate string, open []string) (bool, float64) {
	avg := t.AverageAgainst(candidate, open)
	switch {
	case avg >= CriticalCorr:
		return false, 0
	case avg >= HighCorr:
		return true, 1 - (avg-HighCorr)/(CriticalCorr-HighCorr)*0.5
	default:
		return true, 1
	}
}

// Concentration analyzes the open position set and flags crowded books.
func (t *CorrelationTracker) Concentration(open []string) ConcentrationReport {
	var report ConcentrationReport
	if len(open) < 2 {
		return report
	}
	sorted := make([]string, len(open))
	copy(sorted, open)
	sort.Strings(sorted)

	var sum float64
	var n int
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			rho := t.Correlation(sorted[i], sorted[j])
			sum += rho
			n++
			if rho >= CriticalCorr {
				report.Warnings = append(report.Warnings,
					sorted[i]+"/"+sorted[j]+" critically correlated")
			}
		}
	}
	report.AverageCorrelation = sum / float64(n)
	if report.AverageCorrelation > HighCorr {
		report.ShouldReduceExposure = true
		report.Warnings = append(report.Warnings, "portfolio average correlation above 0.70")
	}
	return report
}
