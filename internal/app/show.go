package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"hl-sentinel/internal/model"
)

// Show prints recent persisted vault snapshots.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snaps, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeSnapshotTable(w, snaps)
}

func writeSnapshotTable(w io.Writer, snaps []model.VaultSnapshot) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(w, "no snapshots found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAccount Value\tPnL 24h\tSharpe\tDrawdown%\tAnomaly\tHealthy\tIssues")

	for _, snap := range snaps {
		fmt.Fprintf(
			writer,
			"%s\t$%s\t%s\t%s\t%s\t%.1f\t%t\t%s\n",
			snap.Timestamp.UTC().Format(time.RFC3339),
			humanize.CommafWithDigits(snap.AccountValue, 0),
			signedUSD(snap.PnL24h),
			optionalFloat(snap.SharpeRatio, 2),
			optionalFloat(snap.MaxDrawdownPct, 2),
			snap.AnomalyScore,
			snap.Healthy,
			sanitizeInline(strings.Join(snap.HealthIssues, "; ")),
		)
	}

	return writer.Flush()
}

func signedUSD(v float64) string {
	if v < 0 {
		return "-$" + humanize.CommafWithDigits(-v, 0)
	}
	return "$" + humanize.CommafWithDigits(v, 0)
}

func optionalFloat(v *float64, places int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", places, *v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
