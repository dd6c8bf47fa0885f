package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pumpwatch/internal/app"
)

var showOpts app.ShowOptions

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List the latest stored trades, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showOpts.Limit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), showOpts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showOpts.Limit, "limit", 20, "Number of trades to list")
	showCmd.Flags().StringVar(&showOpts.Market, "market", "", "Only list trades of this market account")
	showCmd.Flags().BoolVar(&showOpts.Wide, "wide", false, "Print full trader keys and signatures")
}
