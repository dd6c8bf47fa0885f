package storage

import (
	"time"
)

// Bucket is a date_trunc granularity used for chart candles.
type Bucket string

const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
)

// OutcomeStats summarises the trades of one outcome.
type OutcomeStats struct {
	OutcomeIndex int
	LastPrice    float64
	// OpenPrice is the first price inside the stats window, or LastPrice when
	// the window saw no trades.
	OpenPrice   float64
	Volume      float64
	LastTradeAt time.Time
}

// MarketStats is the raw material for a market snapshot.
type MarketStats struct {
	MarketID       string
	ProgramAccount string
	Status         string
	Outcomes       []OutcomeStats
	TotalVolume    float64
	TraderCount    int
	CreatedAt      time.Time
	LastTradeAt    time.Time
}

// marketStatus maps lifecycle events onto the markets.status column.
func marketStatus(eventType string) string {
	switch eventType {
	case "settled":
		return "settled"
	case "disputed":
		return "disputed"
	default:
		return "active"
	}
}
