package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"

	"hl-sentinel/internal/feeds"
	"hl-sentinel/internal/liquidation"
	"hl-sentinel/internal/model"
)

// LiquidationReport is the offline analysis of a liquidation dump.
type LiquidationReport struct {
	Events   int                        `json:"liquidations"`
	Window   string                     `json:"window"`
	Patterns []model.LiquidationPattern `json:"patterns"`
	Alerts   []model.SecurityEvent      `json:"security_events"`
	Exploits []model.Exploit            `json:"exploits"`
}

// AnalyzeLiquidations runs the pattern analyzer over a JSON array of
// liquidation events read from path ("-" for stdin).
func (a *App) AnalyzeLiquidations(ctx context.Context, path string, window time.Duration, in io.Reader, out io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(in)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read liquidations: %w", err)
	}

	events, err := feeds.ParseLiquidations(raw)
	if err != nil {
		return err
	}

	analyzer := a.analyzer()
	if window <= 0 {
		window = analyzer.Window()
	}

	patterns := analyzer.Detect(events, window)
	alerts := make([]model.SecurityEvent, 0, len(patterns))
	for _, p := range patterns {
		alerts = append(alerts, liquidation.ToEvent(p))
	}

	found := liquidation.LargeLiquidations(events, a.Config.Liquidations.LargeLiquidationUSD, a.Config.Hyperliquid.AppURL)
	found = append(found, analyzer.Exploits(patterns)...)

	a.Logger.Info().
		Int("liquidations", len(events)).
		Int("patterns", len(patterns)).
		Int("exploits", len(found)).
		Msg("liquidation analysis complete")

	report := LiquidationReport{
		Events:   len(events),
		Window:   window.String(),
		Patterns: nonNilPatterns(patterns),
		Alerts:   alerts,
		Exploits: found,
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func nonNilPatterns(p []model.LiquidationPattern) []model.LiquidationPattern {
	if p == nil {
		return []model.LiquidationPattern{}
	}
	return p
}
