package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hl-sentinel/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted vault snapshots as CSV and/or a PNG chart",
	Long: "Export reads vault health snapshots written by the run command and renders " +
		"account value and anomaly score over the requested window.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportMaxPoints < 0 {
			return fmt.Errorf("--max-points must not be negative")
		}

		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		from, err := parseTimestampFlag("--from", exportFrom)
		if err != nil {
			return err
		}
		opts.From = from

		to, err := parseTimestampFlag("--to", exportTo)
		if err != nil {
			return err
		}
		opts.To = to

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseTimestampFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", name, err)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV rows")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum snapshots to export (defaults to export.max_data_points)")
}
