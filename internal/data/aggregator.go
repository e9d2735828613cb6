package data

import (
	"time"

	"github.com/twquant/autotrader/pkg/types"
)

// tfDuration maps a timeframe to its bucket length. Tick has no bucket.
func tfDuration(tf types.Timeframe) time.Duration {
	switch tf {
	case types.Timeframe1m:
		return time.Minute
	case types.Timeframe5m:
		return 5 * time.Minute
	case types.Timeframe15m:
		return 15 * time.Minute
	case types.Timeframe30m:
		return 30 * time.Minute
	case types.Timeframe1h:
		return time.Hour
	case types.Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Aggregator buckets a quote stream into OHLCV bars per (symbol,
// timeframe). Intraday buckets align on UTC; daily buckets align on
// midnight of the exchange timezone. Bars are emitted when a quote lands
// in a later bucket, so the last bar of a session needs Flush.
type Aggregator struct {
	timeframes []types.Timeframe
	loc        *time.Location
	open       map[seriesKey]*types.Bar
}

// NewAggregator creates an Aggregator. loc is the exchange timezone used
// for daily buckets; nil means UTC.
func NewAggregator(loc *time.Location, timeframes ...types.Timeframe) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{
		timeframes: timeframes,
		loc:        loc,
		open:       make(map[seriesKey]*types.Bar),
	}
}

// bucket returns the bar timestamp the quote falls into.
func (a *Aggregator) bucket(tf types.Timeframe, d time.Duration, ts time.Time) time.Time {
	if tf == types.Timeframe1d {
		local := ts.In(a.loc)
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
	}
	return ts.Truncate(d)
}

// Add folds one quote in and returns any bars it completed.
func (a *Aggregator) Add(q types.Quote) []types.Bar {
	var done []types.Bar
	for _, tf := range a.timeframes {
		d := tfDuration(tf)
		if d == 0 {
			continue
		}
		bucket := a.bucket(tf, d, q.Timestamp)
		key := seriesKey{q.Symbol, tf}

		bar, ok := a.open[key]
		if ok && bar.Timestamp.Equal(bucket) {
			if q.Price > bar.High {
				bar.High = q.Price
			}
			if q.Price < bar.Low {
				bar.Low = q.Price
			}
			bar.Close = q.Price
			bar.Volume += q.Volume
			continue
		}
		if ok {
			done = append(done, *bar)
		}
		a.open[key] = &types.Bar{
			Symbol:    q.Symbol,
			Timeframe: tf,
			Timestamp: bucket,
			Open:      q.Price,
			High:      q.Price,
			Low:       q.Price,
			Close:     q.Price,
			Volume:    q.Volume,
		}
	}
	return done
}

// Flush emits all open bars, for end of session.
func (a *Aggregator) Flush() []types.Bar {
	out := make([]types.Bar, 0, len(a.open))
	for _, bar := range a.open {
		out = append(out, *bar)
	}
	a.open = make(map[seriesKey]*types.Bar)
	return out
}
