package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	liqFile   string
	liqWindow time.Duration
)

var analyzeLiquidationsCmd = &cobra.Command{
	Use:   "analyze-liquidations",
	Short: "Run the liquidation pattern analyzer over a JSON dump of liquidation events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if liqWindow < 0 {
			return fmt.Errorf("--window must not be negative")
		}
		return getApp().AnalyzeLiquidations(cmd.Context(), liqFile, liqWindow, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	analyzeLiquidationsCmd.Flags().StringVar(&liqFile, "file", "", "Path to a JSON array of liquidations (- for stdin)")
	analyzeLiquidationsCmd.Flags().DurationVar(&liqWindow, "window", 0, "Pattern window (defaults to liquidations.window)")
	_ = analyzeLiquidationsCmd.MarkFlagRequired("file")
}
