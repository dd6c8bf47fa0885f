package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pumpwatch/internal/app"
	"pumpwatch/internal/config"
	"pumpwatch/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "pumpwatch",
	Short: "Ingest prediction-market program events and stream market state",
	Long: `pumpwatch follows a prediction-market program on the ledger, stores its
trades and market events in PostgreSQL and streams market snapshots,
trending scores and alerts to websocket subscribers.

Settings come from config.yaml, a .env file and PUMPWATCH_* variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version 不需要配置
		if appHandle != nil || cmd == versionCmd {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		appHandle = app.NewApp(cfg, logging.NewLogger(cfg.Logging))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "pumpwatch YAML config (default: ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "zerolog level (trace, debug, info, warn, error); overrides logging.level")

	rootCmd.AddCommand(runCmd, catchupCmd, migrateCmd, showCmd, trendingCmd, exportCmd, decodeCmd, versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("pumpwatch app not built; command ran without the root PersistentPreRunE")
	}
	return appHandle
}
