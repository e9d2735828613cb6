// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents bar aggregation intervals.
type Timeframe string

const (
	TimeframeTick Timeframe = "tick"
	Timeframe1m   Timeframe = "1m"
	Timeframe5m   Timeframe = "5m"
	Timeframe15m  Timeframe = "15m"
	Timeframe30m  Timeframe = "30m"
	Timeframe1h   Timeframe = "1h"
	Timeframe1d   Timeframe = "1d"
)

// Bar is a single OHLCV candle. Bars are unique per
// (symbol, timeframe, timestamp) and immutable after insert.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Quote is a single trade print from the quote stream.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

// OrderBookData is a top-N order book snapshot for a symbol.
type OrderBookData struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// Valid reports whether the book has at least one level on each side.
func (ob *OrderBookData) Valid() bool {
	return ob != nil && len(ob.Bids) > 0 && len(ob.Asks) > 0
}

// TotalBidVolume sums bid volume across levels.
func (ob *OrderBookData) TotalBidVolume() int64 {
	var sum int64
	for _, l := range ob.Bids {
		sum += l.Volume
	}
	return sum
}

// TotalAskVolume sums ask volume across levels.
func (ob *OrderBookData) TotalAskVolume() int64 {
	var sum int64
	for _, l := range ob.Asks {
		sum += l.Volume
	}
	return sum
}

// Imbalance returns (bid-ask)/(bid+ask) in [-1,1], or 0 for an empty book.
func (ob *OrderBookData) Imbalance() float64 {
	bid := float64(ob.TotalBidVolume())
	ask := float64(ob.TotalAskVolume())
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// Direction is a strategy's requested action.
type Direction string

const (
	DirectionLong      Direction = "LONG"
	DirectionShort     Direction = "SHORT"
	DirectionNeutral   Direction = "NEUTRAL"
	DirectionExitLong  Direction = "EXIT_LONG"
	DirectionExitShort Direction = "EXIT_SHORT"
)

// IsEntry reports whether the direction requests opening a position.
func (d Direction) IsEntry() bool {
	return d == DirectionLong || d == DirectionShort
}

// IsExit reports whether the direction requests closing a position side.
func (d Direction) IsExit() bool {
	return d == DirectionExitLong || d == DirectionExitShort
}

// DefaultEntryThreshold is the minimum confidence for an entry request.
const DefaultEntryThreshold = 0.60

// TradeSignal is the output of one strategy evaluation on one bar.
type TradeSignal struct {
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // 0..1
	Reason     string    `json:"reason"`
}

// Neutral returns a NEUTRAL signal with the given reason.
func Neutral(reason string) TradeSignal {
	return TradeSignal{Direction: DirectionNeutral, Confidence: 0, Reason: reason}
}

// Portfolio is a read-only snapshot passed by value into strategy calls.
// Strategies never mutate it.
type Portfolio struct {
	Cash        decimal.Decimal    `json:"cash"`
	Positions   map[string]int64   `json:"positions"`   // symbol -> signed shares
	AvgEntry    map[string]float64 `json:"avgEntry"`    // symbol -> average entry price
	RealizedPnL decimal.Decimal    `json:"realizedPnl"` // total to date
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// PositionFor returns the signed share count for a symbol (0 when flat).
func (p Portfolio) PositionFor(symbol string) int64 {
	return p.Positions[symbol]
}

// Equity returns cash plus open positions marked at the given prices.
func (p Portfolio) Equity(marks map[string]float64) decimal.Decimal {
	eq := p.Cash
	for sym, qty := range p.Positions {
		if px, ok := marks[sym]; ok {
			eq = eq.Add(decimal.NewFromFloat(px).Mul(decimal.NewFromInt(qty)))
		}
	}
	return eq
}

// StrategyType classifies a strategy's holding horizon.
type StrategyType string

const (
	StrategyLongTerm  StrategyType = "LONG_TERM"
	StrategySwing     StrategyType = "SWING"
	StrategyShortTerm StrategyType = "SHORT_TERM"
	StrategyIntraday  StrategyType = "INTRADAY"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Position is an open position owned by the trading engine.
// SignedQty carries the sign of the net fills; zero-qty positions are deleted.
type Position struct {
	Symbol        string    `json:"symbol"`
	SignedQty     int64     `json:"signedQty"`
	AvgEntryPrice float64   `json:"avgEntryPrice"`
	EntryTime     time.Time `json:"entryTime"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
}

// Trade is an executed, recorded trade.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      float64         `json:"price"`
	PnL        decimal.Decimal `json:"pnl"` // realized on closing trades, zero on opens
	Strategy   string          `json:"strategy"`
	Simulated  bool            `json:"simulated"` // true for shadow-mapping trades
	ExecutedAt time.Time       `json:"executedAt"`
}

// VetoKind identifies the gate that rejected an entry candidate.
type VetoKind string

const (
	VetoWindow        VetoKind = "window"
	VetoEmergency     VetoKind = "emergency"
	VetoStale         VetoKind = "stale_data"
	VetoCompliance    VetoKind = "compliance"
	VetoBlackout      VetoKind = "earnings_blackout"
	VetoRegime        VetoKind = "regime"
	VetoCorrelation   VetoKind = "correlation"
	VetoConcentration VetoKind = "concentration"
	VetoRiskLimit     VetoKind = "risk_limit"
	VetoAdvisor       VetoKind = "advisor"
	VetoStopLoss      VetoKind = "stop-loss"
	VetoMaxHold       VetoKind = "max_hold"
)

// VetoEvent records one veto-chain rejection. Vetoes are outcomes, not errors.
type VetoEvent struct {
	Symbol    string    `json:"symbol"`
	Strategy  string    `json:"strategy"`
	Kind      VetoKind  `json:"kind"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StrategyStockMapping binds a strategy to a symbol with its evaluation
// scores. At most one row has IsActive=true at any time; non-active rows
// flagged here run as shadow (simulated) pairs.
type StrategyStockMapping struct {
	Symbol          string    `json:"symbol"`
	StrategyName    string    `json:"strategyName"`
	IsActive        bool      `json:"isActive"`
	ConfidenceScore float64   `json:"confidenceScore"`
	TotalReturnPct  float64   `json:"totalReturnPct"`
	SharpeRatio     float64   `json:"sharpeRatio"`
	WinRatePct      float64   `json:"winRatePct"`
	MaxDrawdownPct  float64   `json:"maxDrawdownPct"`
	TotalTrades     int       `json:"totalTrades"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BacktestResult is one immutable evaluation row keyed by
// (BacktestRunID, Symbol, StrategyName).
type BacktestResult struct {
	BacktestRunID   string    `json:"backtestRunId"`
	Symbol          string    `json:"symbol"`
	StrategyName    string    `json:"strategyName"`
	TotalReturnPct  float64   `json:"totalReturnPct"`
	SharpeRatio     float64   `json:"sharpeRatio"`
	SortinoRatio    float64   `json:"sortinoRatio"`
	CalmarRatio     float64   `json:"calmarRatio"`
	WinRatePct      float64   `json:"winRatePct"`
	MaxDrawdownPct  float64   `json:"maxDrawdownPct"`
	TotalTrades     int       `json:"totalTrades"`
	AverageHoldBars float64   `json:"averageHoldBars"`
	FinalEquity     float64   `json:"finalEquity"`
	PeakEquity      float64   `json:"peakEquity"`
	Valid           bool      `json:"valid"` // false when totalTrades < 10 or metrics are NaN
	CompletedAt     time.Time `json:"completedAt"`
}

// DailyStatistics summarizes one trading day.
type DailyStatistics struct {
	Date        time.Time       `json:"date"`
	TotalTrades int             `json:"totalTrades"`
	Wins        int             `json:"wins"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

// EarningsBlackout marks a symbol's earnings date; entries are suppressed
// within the configured window before it. Unique per (symbol, earningsDate).
type EarningsBlackout struct {
	Symbol       string    `json:"symbol"`
	EarningsDate time.Time `json:"earningsDate"`
}

// RiskSnapshot is the durable weekly P&L snapshot restored on boot.
type RiskSnapshot struct {
	WeeklyPnL decimal.Decimal `json:"weeklyPnl"`
	WeekStart time.Time       `json:"weekStart"`
	SavedAt   time.Time       `json:"savedAt"`
}
