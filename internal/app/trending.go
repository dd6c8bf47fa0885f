package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"pumpwatch/internal/trending"
)

// Trending recomputes snapshots of the active markets and prints their ranking.
func (a *App) Trending(ctx context.Context, opts TrendingOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	agg := a.newAggregator(store, nil, nil, nil)
	if err := agg.Refresh(ctx); err != nil {
		return err
	}

	var ranked []trending.Ranked
	if opts.PumpThreshold > 0 {
		ranked = agg.Pumping(opts.PumpThreshold)
		if opts.Limit > 0 && len(ranked) > opts.Limit {
			ranked = ranked[:opts.Limit]
		}
	} else {
		ranked = agg.Trending(opts.Limit)
	}

	threshold := opts.PumpThreshold
	if threshold <= 0 {
		threshold = a.Config.Alerting.PumpThreshold
	}
	writeRanking(os.Stdout, ranked, threshold)
	return nil
}

func writeRanking(out io.Writer, ranked []trending.Ranked, pumpThreshold float64) {
	if len(ranked) == 0 {
		fmt.Fprintln(out, "no active markets")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tMarket\tScore\tVolume\tVolatility\tMomentum\tSocial\tTraders\tPumping")
	for _, r := range ranked {
		m := r.Metrics
		pumping := ""
		if pumpThreshold > 0 && trending.IsPumping(m, pumpThreshold) {
			pumping = "yes"
		}
		fmt.Fprintf(writer, "%d\t%s\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%d\t%s\n",
			r.Rank, r.Snapshot.MarketID, m.OverallTrendScore, m.VolumeScore, m.VolatilityScore,
			m.MomentumScore, m.SocialScore, r.Snapshot.TraderCount, pumping)
	}
	writer.Flush()
}
