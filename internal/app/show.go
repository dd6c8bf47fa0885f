package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"pumpwatch/internal/model"
)

// Show prints recent trades, optionally limited to one market.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	trades, err := store.RecentTrades(ctx, opts.Market, opts.Limit)
	if err != nil {
		return err
	}
	writeTrades(os.Stdout, trades, opts.Wide)
	return nil
}

func writeTrades(out io.Writer, trades []model.TradeEvent, wide bool) {
	key := shorten
	if wide {
		key = sanitizeInline
	}

	if len(trades) == 0 {
		fmt.Fprintln(out, "no trades found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tMarket\tTrader\tSide\tOutcome\tAmount\tPrice\tSOL\tSlot\tSignature")

	for _, t := range trades {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			t.Timestamp.UTC().Format(time.RFC3339),
			sanitizeInline(t.MarketID),
			key(t.Trader),
			t.TradeType,
			t.OutcomeIndex,
			t.TokenAmount.String(),
			t.Price.StringFixed(4),
			t.SolAmount.StringFixed(4),
			t.Slot,
			key(t.Signature),
		)
	}

	writer.Flush()
}

// shorten abbreviates long base58 keys for table output.
func shorten(v string) string {
	if len(v) <= 16 {
		return v
	}
	return v[:6] + "…" + v[len(v)-6:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
