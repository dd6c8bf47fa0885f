package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType distinguishes buys from sells.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Valid reports whether t is a known trade direction.
func (t TradeType) Valid() bool {
	return t == TradeBuy || t == TradeSell
}

// MarketEventType enumerates market lifecycle transitions.
type MarketEventType string

const (
	MarketCreated  MarketEventType = "created"
	MarketSettled  MarketEventType = "settled"
	MarketDisputed MarketEventType = "disputed"
)

// Event is anything the listener can queue and persist. Signature is the
// idempotency key; Slot feeds the sync checkpoint and may be zero when unknown.
type Event interface {
	EventSignature() string
	EventSlot() uint64
	EventMarket() string
}

// TradeEvent is a decoded buy or sell of outcome tokens.
type TradeEvent struct {
	MarketID     string          `json:"marketId"`
	Trader       string          `json:"trader"`
	TradeType    TradeType       `json:"tradeType"`
	OutcomeIndex int             `json:"outcomeIndex"`
	TokenAmount  decimal.Decimal `json:"tokenAmount"`
	SolAmount    decimal.Decimal `json:"solAmount"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	Slot         uint64          `json:"slot"`
	Signature    string          `json:"signature"`
}

func (e TradeEvent) EventSignature() string { return e.Signature }
func (e TradeEvent) EventSlot() uint64      { return e.Slot }
func (e TradeEvent) EventMarket() string    { return e.MarketID }

// MarketEvent is a decoded market lifecycle transition.
type MarketEvent struct {
	MarketID       string          `json:"marketId"`
	ProgramAccount string          `json:"programAccount,omitempty"`
	EventType      MarketEventType `json:"eventType"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Slot           uint64          `json:"slot"`
	Signature      string          `json:"signature"`
}

func (e MarketEvent) EventSignature() string { return e.Signature }
func (e MarketEvent) EventSlot() uint64      { return e.Slot }
func (e MarketEvent) EventMarket() string    { return e.MarketID }

// SyncCheckpoint records the highest fully processed slot of a program.
type SyncCheckpoint struct {
	ProgramID         string    `json:"programId"`
	LastProcessedSlot uint64    `json:"lastProcessedSlot"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// PricePoint is the current state of one outcome.
type PricePoint struct {
	OutcomeIndex   int     `json:"outcomeIndex"`
	Price          float64 `json:"price"`
	PriceChange24h float64 `json:"priceChange24h"`
	Volume24h      float64 `json:"volume24h"`
}

// MarketSnapshot is the derived, cached view of a market.
type MarketSnapshot struct {
	MarketID       string       `json:"marketId"`
	ProgramAccount string       `json:"programAccount,omitempty"`
	Prices         []PricePoint `json:"prices"`
	TotalVolume    float64      `json:"totalVolume"`
	TraderCount    int          `json:"traderCount"`
	Volatility     float64      `json:"volatility"`
	TrendScore     float64      `json:"trendScore"`
	CreatedAt      time.Time    `json:"createdAt,omitempty"`
	LastTradeAt    time.Time    `json:"lastTradeAt,omitempty"`
	LastUpdated    time.Time    `json:"lastUpdated"`
}

// Volume24h sums the per-outcome 24h volume.
func (s MarketSnapshot) Volume24h() float64 {
	var total float64
	for _, p := range s.Prices {
		total += p.Volume24h
	}
	return total
}

// TrendingMetrics holds the component scores of a market, all in [0,1].
type TrendingMetrics struct {
	MarketID          string  `json:"marketId"`
	VolumeScore       float64 `json:"volumeScore"`
	VolatilityScore   float64 `json:"volatilityScore"`
	MomentumScore     float64 `json:"momentumScore"`
	SocialScore       float64 `json:"socialScore"`
	OverallTrendScore float64 `json:"overallTrendScore"`
}

// Candle is one OHLCV bucket of an outcome's trades.
type Candle struct {
	Bucket time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Trades int64     `json:"trades"`
}
