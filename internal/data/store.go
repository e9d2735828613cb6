// Package data provides in-memory market data storage with JSON file
// persistence.
package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// ErrDuplicateBar is returned when a bar with the same timestamp already
// exists for the (symbol, timeframe).
var ErrDuplicateBar = fmt.Errorf("duplicate bar timestamp")

type seriesKey struct {
	Symbol    string
	Timeframe types.Timeframe
}

// BarStore holds bar series, latest quotes and order book snapshots.
// Series are kept ascending by timestamp; reads return copies.
type BarStore struct {
	mu      sync.RWMutex
	series  map[seriesKey][]types.Bar
	quotes  map[string]types.Quote
	books   map[string]types.OrderBookData
	maxBars int
	dataDir string
	logger  *zap.Logger
}

// NewBarStore creates a store. dataDir may be empty to disable file
// persistence; maxBars <= 0 means unbounded series.
func NewBarStore(dataDir string, maxBars int, logger *zap.Logger) *BarStore {
	return &BarStore{
		series:  make(map[seriesKey][]types.Bar),
		quotes:  make(map[string]types.Quote),
		books:   make(map[string]types.OrderBookData),
		maxBars: maxBars,
		dataDir: dataDir,
		logger:  logger.Named("barstore"),
	}
}

// AddBar appends a bar to its series, keeping the series ascending.
// A bar whose timestamp already exists is rejected with ErrDuplicateBar.
func (s *BarStore) AddBar(bar types.Bar) error {
	if bar.Symbol == "" {
		return fmt.Errorf("bar has empty symbol")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{bar.Symbol, bar.Timeframe}
	bars := s.series[key]

	idx := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(bar.Timestamp)
	})
	if idx < len(bars) && bars[idx].Timestamp.Equal(bar.Timestamp) {
		return fmt.Errorf("%w: %s %s %s", ErrDuplicateBar, bar.Symbol, bar.Timeframe, bar.Timestamp)
	}

	bars = append(bars, types.Bar{})
	copy(bars[idx+1:], bars[idx:])
	bars[idx] = bar

	if s.maxBars > 0 && len(bars) > s.maxBars {
		bars = bars[len(bars)-s.maxBars:]
	}
	s.series[key] = bars
	return nil
}

// Bars returns a copy of the most recent n bars for (symbol, timeframe),
// oldest first. n <= 0 returns the whole series.
func (s *BarStore) Bars(symbol string, tf types.Timeframe, n int) []types.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[seriesKey{symbol, tf}]
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out
}

// BarsBetween returns a copy of bars in [from, to], oldest first.
func (s *BarStore) BarsBetween(symbol string, tf types.Timeframe, from, to time.Time) []types.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[seriesKey{symbol, tf}]
	out := make([]types.Bar, 0)
	for _, b := range bars {
		if b.Timestamp.Before(from) || b.Timestamp.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// LatestBar returns the newest bar for (symbol, timeframe).
func (s *BarStore) LatestBar(symbol string, tf types.Timeframe) (types.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[seriesKey{symbol, tf}]
	if len(bars) == 0 {
		return types.Bar{}, false
	}
	return bars[len(bars)-1], true
}

// SetQuote records the latest trade print for a symbol.
func (s *BarStore) SetQuote(q types.Quote) {
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	s.mu.Unlock()
}

// Quote returns the latest trade print for a symbol.
func (s *BarStore) Quote(symbol string) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// SetOrderBook records an order book snapshot.
func (s *BarStore) SetOrderBook(ob types.OrderBookData) {
	s.mu.Lock()
	s.books[ob.Symbol] = ob
	s.mu.Unlock()
}

// OrderBook returns the latest order book snapshot for a symbol.
func (s *BarStore) OrderBook(symbol string) (types.OrderBookData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ob, ok := s.books[symbol]
	return ob, ok
}

// LastPrice returns the freshest known price for a symbol, preferring the
// quote stream over the newest 1m bar close.
func (s *BarStore) LastPrice(symbol string) (float64, bool) {
	if q, ok := s.Quote(symbol); ok {
		return q.Price, true
	}
	if b, ok := s.LatestBar(symbol, types.Timeframe1m); ok {
		return b.Close, true
	}
	return 0, false
}

func (s *BarStore) seriesPath(key seriesKey) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("bars_%s_%s.json", key.Symbol, key.Timeframe))
}

// Save writes every series to its JSON file under dataDir.
func (s *BarStore) Save() error {
	if s.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, bars := range s.series {
		data, err := json.Marshal(bars)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", key.Symbol, key.Timeframe, err)
		}
		if err := os.WriteFile(s.seriesPath(key), data, 0o644); err != nil {
			return fmt.Errorf("write %s/%s: %w", key.Symbol, key.Timeframe, err)
		}
	}
	s.logger.Debug("saved bar series", zap.Int("series", len(s.series)))
	return nil
}

// Load reads previously saved series for the given symbols and timeframes.
// Missing files are not an error.
func (s *BarStore) Load(symbols []string, timeframes []types.Timeframe) error {
	if s.dataDir == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, sym := range symbols {
		for _, tf := range timeframes {
			key := seriesKey{sym, tf}
			data, err := os.ReadFile(s.seriesPath(key))
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s/%s: %w", sym, tf, err)
			}
			var bars []types.Bar
			if err := json.Unmarshal(data, &bars); err != nil {
				return fmt.Errorf("unmarshal %s/%s: %w", sym, tf, err)
			}
			sort.Slice(bars, func(i, j int) bool {
				return bars[i].Timestamp.Before(bars[j].Timestamp)
			})
			s.series[key] = bars
			loaded++
		}
	}
	s.logger.Info("loaded bar series", zap.Int("series", loaded))
	return nil
}
