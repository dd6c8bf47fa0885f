package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pumpwatch/internal/app"
)

var (
	trendingLimit   int
	trendingPumping float64
)

var trendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "Rank active markets by trend score",
	RunE: func(cmd *cobra.Command, args []string) error {
		if trendingLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if trendingPumping < 0 || trendingPumping > 1 {
			return fmt.Errorf("--pumping must be within [0,1]")
		}
		return getApp().Trending(cmd.Context(), app.TrendingOptions{Limit: trendingLimit, PumpThreshold: trendingPumping})
	},
}

func init() {
	trendingCmd.Flags().IntVar(&trendingLimit, "limit", 20, "Number of markets to display")
	trendingCmd.Flags().Float64Var(&trendingPumping, "pumping", 0, "Only list markets pumping at this threshold")
}
