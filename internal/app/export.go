package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pumpwatch/internal/model"
)

// Export renders one outcome's OHLCV candles as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MarketID == "" {
		return errors.New("--market is required")
	}
	if opts.Timeframe == "" {
		opts.Timeframe = "24h"
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	agg := a.newAggregator(store, nil, nil, nil)
	candles, err := agg.ChartData(ctx, opts.MarketID, opts.Outcome, opts.Timeframe)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		a.Logger.Info().Str("market_id", opts.MarketID).Str("timeframe", opts.Timeframe).Msg("no trades found for export window")
		return nil
	}

	downsampled := downsampleCandles(candles, opts.MaxPoints)
	a.Logger.Info().Int("total", len(candles)).Int("exported", len(downsampled)).Msg("exporting candles")

	if opts.CSVPath != "" {
		if err := writeCandlesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s outcome %d (%s)", opts.MarketID, opts.Outcome, opts.Timeframe)
		if err := writeCandlesPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCandles(candles []model.Candle, max int) []model.Candle {
	if max <= 1 || len(candles) <= max {
		return candles
	}

	result := make([]model.Candle, 0, max)
	step := float64(len(candles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(candles) {
			idx = len(candles) - 1
		}
		result = append(result, candles[idx])
	}
	return result
}

func writeCandlesCSV(path string, candles []model.Candle) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "open", "high", "low", "close", "volume", "trades"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, c := range candles {
		record := []string{
			c.Bucket.UTC().Format(time.RFC3339),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
			strconv.FormatInt(c.Trades, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCandlesPNG(path, title string, candles []model.Candle) error {
	if len(candles) < 2 {
		return errors.New("need at least two candles to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(candles))
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volume := make([]float64, len(candles))

	for i, c := range candles {
		x[i] = c.Bucket
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volume[i] = c.Volume
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Close", XValues: x, YValues: closes},
			chart.TimeSeries{Name: "High", XValues: x, YValues: highs},
			chart.TimeSeries{Name: "Low", XValues: x, YValues: lows},
			chart.TimeSeries{Name: "Volume", XValues: x, YValues: volume, YAxis: chart.YAxisSecondary},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
