package cli

import (
	"github.com/spf13/cobra"

	"pumpwatch/internal/app"
)

var (
	decodeSignature string
	decodeSlot      uint64
	decodeStore     bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode <log line>...",
	Short: "Decode program log lines and optionally store the events",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Decode(cmd.Context(), app.DecodeOptions{
			Signature: decodeSignature,
			Slot:      decodeSlot,
			Lines:     args,
			Store:     decodeStore,
		})
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeSignature, "signature", "manual", "Transaction signature to attach")
	decodeCmd.Flags().Uint64Var(&decodeSlot, "slot", 0, "Slot to attach")
	decodeCmd.Flags().BoolVar(&decodeStore, "store", false, "Upsert decoded events into the database")
}
