package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"hl-sentinel/internal/app"
)

var (
	pollExploits int
	pollEvents   int
	pollSeverity string
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one detection cycle and print the resulting report as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pollExploits < 0 || pollEvents < 0 {
			return fmt.Errorf("--exploits and --events must not be negative")
		}

		opts := app.PollOptions{
			ExploitLimit: pollExploits,
			EventLimit:   pollEvents,
			Severity:     pollSeverity,
		}
		return getApp().PollOnce(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	pollCmd.Flags().IntVar(&pollExploits, "exploits", 50, "Maximum exploits to include (0 for all)")
	pollCmd.Flags().IntVar(&pollEvents, "events", 50, "Maximum security events to include")
	pollCmd.Flags().StringVar(&pollSeverity, "severity", "", "Only include security events of this severity (LOW, MEDIUM, HIGH, CRITICAL)")
}
