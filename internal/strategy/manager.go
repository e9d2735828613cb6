package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// Circuit breaker defaults for faulting strategies.
const (
	DefaultFaultCooldown = 60 * time.Second
	tripsPerHourLimit    = 3
)

// Candidate is one strategy's signal for one symbol at one bar.
type Candidate struct {
	Symbol    string
	Strategy  string
	Signal    types.TradeSignal
	Simulated bool // true for shadow mappings
}

// runner binds a live strategy instance to its mapping plus breaker state.
type runner struct {
	mapping types.StrategyStockMapping
	strat   Strategy

	cooldownUntil time.Time
	trips         []time.Time
	disabledDay   string
}

func (r *runner) tripped(now time.Time) bool {
	if now.Format("2006-01-02") == r.disabledDay {
		return true
	}
	return now.Before(r.cooldownUntil)
}

func (r *runner) trip(now time.Time, cooldown time.Duration) {
	r.cooldownUntil = now.Add(cooldown)
	r.trips = append(r.trips, now)
	recent := 0
	for _, t := range r.trips {
		if now.Sub(t) <= time.Hour {
			recent++
		}
	}
	if recent >= tripsPerHourLimit {
		r.disabledDay = now.Format("2006-01-02")
	}
}

// Manager owns the active and shadow strategy instances, routes bars to
// them and arbitrates conflicting signals.
type Manager struct {
	mu       sync.RWMutex
	registry *Registry
	runners  []*runner
	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewManager creates a Manager over the given registry.
func NewManager(registry *Registry, logger *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		cooldown: DefaultFaultCooldown,
		now:      time.Now,
		logger:   logger.Named("manager"),
	}
}

// Swap atomically replaces the running population with the given mappings.
// It returns the previously active mappings so the caller can flatten their
// positions before the new instances take over. Every incoming instance is
// freshly created (equivalent to Reset). Exactly one mapping may be active.
func (m *Manager) Swap(mappings []types.StrategyStockMapping) ([]types.StrategyStockMapping, error) {
	active := 0
	for _, mp := range mappings {
		if mp.IsActive {
			active++
		}
	}
	if active > 1 {
		return nil, fmt.Errorf("swap rejected: %d active mappings, want at most 1", active)
	}

	next := make([]*runner, 0, len(mappings))
	for _, mp := range mappings {
		strat, err := m.registry.Create(mp.StrategyName)
		if err != nil {
			return nil, fmt.Errorf("swap rejected: %w", err)
		}
		strat.Reset()
		next = append(next, &runner{mapping: mp, strat: strat})
	}

	m.mu.Lock()
	var outgoing []types.StrategyStockMapping
	for _, r := range m.runners {
		if r.mapping.IsActive {
			outgoing = append(outgoing, r.mapping)
		}
	}
	m.runners = next
	m.mu.Unlock()

	m.logger.Info("strategy population swapped",
		zap.Int("mappings", len(mappings)),
		zap.Int("outgoingActive", len(outgoing)))
	return outgoing, nil
}

// Active returns the active mapping, if any.
func (m *Manager) Active() (types.StrategyStockMapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runners {
		if r.mapping.IsActive {
			return r.mapping, true
		}
	}
	return types.StrategyStockMapping{}, false
}

// Mappings returns all current mappings, active first.
func (m *Manager) Mappings() []types.StrategyStockMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.StrategyStockMapping, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.mapping)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsActive && !out[j].IsActive })
	return out
}

// OnBar routes the bar to every runner mapped to its symbol and collects
// their signals. A panicking strategy is converted to a NEUTRAL signal and
// its breaker trips; a tripped runner is skipped.
func (m *Manager) OnBar(p types.Portfolio, bar types.Bar) []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Candidate
	for _, r := range m.runners {
		if r.mapping.Symbol != bar.Symbol {
			continue
		}
		if r.tripped(now) {
			continue
		}
		sig := m.execute(r, p, bar, now)
		out = append(out, Candidate{
			Symbol:    bar.Symbol,
			Strategy:  r.mapping.StrategyName,
			Signal:    sig,
			Simulated: !r.mapping.IsActive,
		})
	}
	return out
}

func (m *Manager) execute(r *runner, p types.Portfolio, bar types.Bar, now time.Time) (sig types.TradeSignal) {
	defer func() {
		if rec := recover(); rec != nil {
			r.trip(now, m.cooldown)
			m.logger.Error("strategy fault",
				zap.String("strategy", r.mapping.StrategyName),
				zap.String("symbol", bar.Symbol),
				zap.Any("panic", rec),
				zap.Time("cooldownUntil", r.cooldownUntil))
			sig = types.Neutral(fmt.Sprintf("error:%T", rec))
		}
	}()
	return r.strat.Execute(p, bar)
}

// Arbitrate picks the winning entry candidate: strictly maximum confidence,
// ties broken by lexicographic strategy name.
func Arbitrate(candidates []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if !c.Signal.Direction.IsEntry() {
			continue
		}
		if !found ||
			c.Signal.Confidence > best.Signal.Confidence ||
			(c.Signal.Confidence == best.Signal.Confidence && c.Strategy < best.Strategy) {
			best = c
			found = true
		}
	}
	return best, found
}

// FamilyOf returns the regime family for a strategy name, creating a
// throwaway instance from the registry.
func (m *Manager) FamilyOf(name string) (string, error) {
	s, err := m.registry.Create(name)
	if err != nil {
		return "", err
	}
	return string(s.Family()), nil
}
