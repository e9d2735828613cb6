package strategy

import (
	"fmt"

	"github.com/twquant/autotrader/internal/regime"
	"github.com/twquant/autotrader/pkg/types"
)

// sentimentOverlay turns an externally supplied sentiment score into a
// signal overlay. With no score it stays NEUTRAL; the LLM advisor in the
// veto chain remains the only sentiment-driven veto path.
type sentimentOverlay struct {
	baseStrategy
	scores map[string]float64 // symbol -> [-1,1]
}

func newSentimentOverlay(name string) *sentimentOverlay {
	return &sentimentOverlay{
		baseStrategy: newBase(name, types.StrategyShortTerm, regime.FamilySentiment, 1),
		scores:       make(map[string]float64),
	}
}

// SetScore supplies the latest sentiment score for a symbol.
func (s *sentimentOverlay) SetScore(symbol string, score float64) {
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	s.scores[symbol] = score
}

func (s *sentimentOverlay) Reset() {
	s.baseStrategy.Reset()
	s.scores = make(map[string]float64)
}

func (s *sentimentOverlay) Execute(p types.Portfolio, bar types.Bar) types.TradeSignal {
	s.addBar(bar)
	score, ok := s.scores[bar.Symbol]
	if !ok {
		return types.Neutral("no sentiment available")
	}

	pos := p.PositionFor(bar.Symbol)
	if pos > 0 && score < -0.2 {
		return types.TradeSignal{Direction: types.DirectionExitLong, Confidence: 0.75, Reason: "sentiment turned negative"}
	}
	if pos == 0 && score > 0.5 {
		return entry(types.DirectionLong, 0.55+score/4, fmt.Sprintf("positive news sentiment %.2f", score))
	}
	return types.Neutral("sentiment not actionable")
}
