package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twquant/autotrader/pkg/types"
)

// Memory is the in-memory Store used for tests and database-less runs.
type Memory struct {
	mu        sync.RWMutex
	mappings  []types.StrategyStockMapping
	results   []types.BacktestResult
	trades    []types.Trade
	vetoes    []types.VetoEvent
	blackouts map[string]types.EarningsBlackout // symbol+date key
	snapshot  types.RiskSnapshot
	hasSnap   bool
	daily     []types.DailyStatistics
	lastRun   string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blackouts: make(map[string]types.EarningsBlackout)}
}

func (m *Memory) ReplaceMappings(_ context.Context, mappings []types.StrategyStockMapping) error {
	active := 0
	for _, mp := range mappings {
		if mp.IsActive {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("mapping set has %d active rows, want at most 1", active)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = append([]types.StrategyStockMapping(nil), mappings...)
	return nil
}

func (m *Memory) Mappings(context.Context) ([]types.StrategyStockMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.StrategyStockMapping(nil), m.mappings...), nil
}

func (m *Memory) SaveBacktestResults(_ context.Context, results []types.BacktestResult) error {
	if len(results) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, results...)
	m.lastRun = results[0].BacktestRunID
	return nil
}

func (m *Memory) BacktestResults(_ context.Context, runID string) ([]types.BacktestResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.BacktestResult
	for _, r := range m.results {
		if r.BacktestRunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) LatestBacktestRun(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRun, nil
}

func (m *Memory) SaveTrade(_ context.Context, trade types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (m *Memory) TradesOn(_ context.Context, day time.Time) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	for _, t := range m.trades {
		if sameDay(t.ExecutedAt, day) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) ClosedTradeCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.trades {
		if !t.PnL.IsZero() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveVetoEvent(_ context.Context, event types.VetoEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vetoes = append(m.vetoes, event)
	return nil
}

func (m *Memory) VetoEventsOn(_ context.Context, day time.Time) ([]types.VetoEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.VetoEvent
	for _, v := range m.vetoes {
		if sameDay(v.Timestamp, day) {
			out = append(out, v)
		}
	}
	return out, nil
}

func blackoutKey(b types.EarningsBlackout) string {
	return b.Symbol + "|" + b.EarningsDate.Format("2006-01-02")
}

func (m *Memory) Blackouts(context.Context) ([]types.EarningsBlackout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.EarningsBlackout, 0, len(m.blackouts))
	for _, b := range m.blackouts {
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) SaveBlackout(_ context.Context, blackout types.EarningsBlackout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blackouts[blackoutKey(blackout)] = blackout
	return nil
}

func (m *Memory) SaveRiskSnapshot(_ context.Context, snap types.RiskSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
	m.hasSnap = true
	return nil
}

func (m *Memory) LoadRiskSnapshot(context.Context) (types.RiskSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot, m.hasSnap, nil
}

func (m *Memory) SaveDailyStatistics(_ context.Context, stats types.DailyStatistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily = append(m.daily, stats)
	return nil
}

// DailyStats returns the persisted daily statistics rows.
func (m *Memory) DailyStats() []types.DailyStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.DailyStatistics(nil), m.daily...)
}

func (m *Memory) Close() {}
