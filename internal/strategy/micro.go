package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/types"
)

// bookFreshness is how far a book snapshot may lag the bar before the
// strategy falls back to the bar-derived proxy.
const bookFreshness = 30 * time.Second

// orderFlow estimates buying pressure from the live order book when one is
// available, falling back to signed price-volume flow: up-bar volume counts
// as bid flow, down-bar volume as ask flow.
type orderFlow struct {
	baseStrategy
	window int
	books  BookSource
}

func newOrderFlow(name string, window int, books BookSource) *orderFlow {
	return &orderFlow{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyMicrostructure, window),
		window:       window,
		books:        books,
	}
}

// imbalance returns book or proxy flow imbalance in [-1,1] and whether any
// flow was observed.
func (s *orderFlow) imbalance(w []types.Bar, bar types.Bar) (float64, bool) {
	if s.books != nil {
		if book, ok := s.books.OrderBook(bar.Symbol); ok && book.Valid() {
			lag := bar.Timestamp.Sub(book.Timestamp)
			if lag < 0 {
				lag = -lag
			}
			if lag <= bookFreshness {
				return book.Imbalance(), true
			}
		}
	}
	var bid, ask float64
	for _, b := range w[len(w)-s.window:] {
		v := float64(b.Volume)
		switch {
		case b.Close > b.Open:
			bid += v
		case b.Close < b.Open:
			ask += v
		default:
			bid += v / 2
			ask += v / 2
		}
	}
	if bid+ask == 0 {
		return 0, false
	}
	return (bid - ask) / (bid + ask), true
}

func (s *orderFlow) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	imbalance, ok := s.imbalance(w, bar)
	if !ok {
		return types.Neutral("no volume")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && imbalance < 0 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "flow turned to selling"}
	}
	if pos < 0 && imbalance > 0 {
		return types.TradeSignal{Direction: types.DirectionExitShort, Confidence: 0.75, Reason: "flow turned to buying"}
	}
	if pos == 0 && math.Abs(imbalance) > 0.4 {
		if imbalance > 0 {
			return entry(types.DirectionLong, 0.6+imbalance/4, fmt.Sprintf("buy flow imbalance %.2f", imbalance))
		}
		return entry(types.DirectionShort, 0.6-imbalance/4, fmt.Sprintf("sell flow imbalance %.2f", imbalance))
	}
	return types.Neutral("balanced order flow")
}

// volumeSpike enters in the bar's direction when volume explodes above its
// rolling average.
type volumeSpike struct {
	baseStrategy
	window int
	mult   float64
}

func newVolumeSpike(name string, window int, mult float64) *volumeSpike {
	return &volumeSpike{
		baseStrategy: newBase(name, types.StrategyIntraday, regime.FamilyMicrostructure, window+1),
		window:       window,
		mult:         mult,
	}
}

func (s *volumeSpike) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	w := s.addBar(bar)
	if len(w) < s.warmup {
		return s.warming(len(w))
	}
	var sum float64
	for _, b := range w[len(w)-1-s.window : len(w)-1] {
		sum += float64(b.Volume)
	}
	avg := sum / float64(s.window)
	if avg == 0 {
		return types.Neutral("no baseline volume")
	}
	ratio := float64(bar.Volume) / avg

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && bar.Close < bar.Open {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.7, Reason: "red bar after spike entry"}
	}
	if pos == 0 && ratio >= s.mult {
		if bar.Close > bar.Open {
			return entry(types.DirectionLong, 0.6+math.Min(0.3, ratio/20), fmt.Sprintf("volume %.1fx average on up bar", ratio))
		}
		if bar.Close < bar.Open {
			return entry(types.DirectionShort, 0.6+math.Min(0.3, ratio/20), fmt.Sprintf("volume %.1fx average on down bar", ratio))
		}
	}
	return types.Neutral("normal volume")
}
