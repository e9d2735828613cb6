package data

import (
	"testing"
	"time"

	"github.com/twquant/autotrader/pkg/types"
)

func quote(symbol string, price float64, vol int64, at time.Time) types.Quote {
	return types.Quote{Symbol: symbol, Price: price, Volume: vol, Timestamp: at}
}

func TestAggregatorBuildsOHLCV(t *testing.T) {
	a := NewAggregator(nil, types.Timeframe1m)
	start := time.Date(2025, 6, 3, 11, 30, 0, 0, time.UTC)

	if done := a.Add(quote("2330", 500, 10, start)); done != nil {
		t.Fatalf("first quote completed %v", done)
	}
	a.Add(quote("2330", 505, 5, start.Add(10*time.Second)))
	a.Add(quote("2330", 498, 7, start.Add(40*time.Second)))

	done := a.Add(quote("2330", 501, 3, start.Add(61*time.Second)))
	if len(done) != 1 {
		t.Fatalf("completed = %d bars, want 1", len(done))
	}
	bar := done[0]
	if bar.Open != 500 || bar.High != 505 || bar.Low != 498 || bar.Close != 498 {
		t.Errorf("bar = %+v", bar)
	}
	if bar.Volume != 22 {
		t.Errorf("volume = %d, want 22", bar.Volume)
	}
	if !bar.Timestamp.Equal(start) {
		t.Errorf("timestamp = %s, want bucket start", bar.Timestamp)
	}
}

func TestAggregatorKeepsSymbolsSeparate(t *testing.T) {
	a := NewAggregator(nil, types.Timeframe1m)
	start := time.Date(2025, 6, 3, 11, 30, 0, 0, time.UTC)

	a.Add(quote("2330", 500, 1, start))
	a.Add(quote("2317", 100, 1, start))

	done := a.Add(quote("2330", 501, 1, start.Add(time.Minute)))
	if len(done) != 1 || done[0].Symbol != "2330" {
		t.Fatalf("completed = %+v, want only 2330", done)
	}
}

func TestAggregatorDailyBucketsUseExchangeDay(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Fatal(err)
	}
	a := NewAggregator(loc, types.Timeframe1d)

	// 23:30 and 00:30 local fall on the same UTC day but different
	// exchange days.
	first := time.Date(2025, 6, 3, 23, 30, 0, 0, loc)
	second := time.Date(2025, 6, 4, 0, 30, 0, 0, loc)

	a.Add(quote("2330", 500, 1, first))
	done := a.Add(quote("2330", 505, 1, second))
	if len(done) != 1 {
		t.Fatalf("completed = %d bars, want the first exchange day closed", len(done))
	}
	want := time.Date(2025, 6, 3, 0, 0, 0, 0, loc)
	if !done[0].Timestamp.Equal(want) {
		t.Errorf("bar timestamp = %s, want local midnight %s", done[0].Timestamp, want)
	}
}

func TestAggregatorFlush(t *testing.T) {
	a := NewAggregator(nil, types.Timeframe1m, types.Timeframe5m)
	start := time.Date(2025, 6, 3, 11, 30, 0, 0, time.UTC)

	a.Add(quote("2330", 500, 1, start))
	bars := a.Flush()
	if len(bars) != 2 {
		t.Fatalf("flushed = %d, want one bar per timeframe", len(bars))
	}
	if more := a.Flush(); len(more) != 0 {
		t.Errorf("second flush = %d bars, want 0", len(more))
	}
}
