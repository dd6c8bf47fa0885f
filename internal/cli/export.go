package cli

import (
	"github.com/spf13/cobra"

	"pumpwatch/internal/app"
)

var (
	exportMarket    string
	exportOutcome   int
	exportTimeframe string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an outcome's OHLCV candles as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			MarketID:  exportMarket,
			Outcome:   exportOutcome,
			Timeframe: exportTimeframe,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportMarket, "market", "", "Market id")
	exportCmd.Flags().IntVar(&exportOutcome, "outcome", 0, "Outcome index")
	exportCmd.Flags().StringVar(&exportTimeframe, "timeframe", "24h", "One of 1h, 24h, 7d, 30d")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum candles to export (defaults to config)")
}
