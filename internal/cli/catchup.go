package cli

import (
	"github.com/spf13/cobra"

	"pumpwatch/internal/app"
)

var catchupWindow uint64

var catchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Replay recent program transactions into the store once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CatchUp(cmd.Context(), app.CatchUpOptions{Window: catchupWindow})
	},
}

func init() {
	catchupCmd.Flags().Uint64Var(&catchupWindow, "window", 0, "Maximum slots to replay (defaults to config)")
}
