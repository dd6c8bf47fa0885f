package aggregator

import (
	"context"
	"fmt"
	"time"

	"pumpwatch/internal/model"
	"pumpwatch/internal/storage"
)

type timeframe struct {
	bucket storage.Bucket
	span   time.Duration
}

var timeframes = map[string]timeframe{
	"1h":  {bucket: storage.BucketMinute, span: time.Hour},
	"24h": {bucket: storage.BucketHour, span: 24 * time.Hour},
	"7d":  {bucket: storage.BucketHour, span: 7 * 24 * time.Hour},
	"30d": {bucket: storage.BucketDay, span: 30 * 24 * time.Hour},
}

// ChartData returns ascending OHLCV candles of one outcome over timeframe.
// Results are cached per (market, outcome, timeframe).
func (a *Aggregator) ChartData(ctx context.Context, marketID string, outcome int, tf string) ([]model.Candle, error) {
	frame, ok := timeframes[tf]
	if !ok {
		return nil, fmt.Errorf("%q: %w", tf, ErrInvalidTimeframe)
	}
	if a.reader == nil {
		return nil, storage.ErrNotConfigured
	}

	key := fmt.Sprintf("%s:%d:%s", marketID, outcome, tf)
	if candles, ok := a.charts.Get(key); ok {
		return candles, nil
	}

	candles, err := a.reader.ChartCandles(ctx, marketID, outcome, frame.bucket, a.now().Add(-frame.span))
	if err != nil {
		return nil, fmt.Errorf("chart %s: %w", key, err)
	}
	a.charts.Set(key, candles)
	return candles, nil
}
