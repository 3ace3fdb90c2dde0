package liquidation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"hl-sentinel/internal/model"
)

// APISource names the exchange-API large liquidation feed.
const APISource = "hyperliquid_api"

// DefaultLargeUSD is the size above which a single liquidation is reported.
const DefaultLargeUSD = 1_000_000

// LargeLiquidations reports every liquidation strictly above minUSD as an
// exploit keyed by its liquidation id.
func LargeLiquidations(events []model.LiquidationEvent, minUSD float64, appURL string) []model.Exploit {
	if minUSD <= 0 {
		minUSD = DefaultLargeUSD
	}
	out := make([]model.Exploit, 0)
	for _, ev := range events {
		if ev.SizeUSD <= minUSD {
			continue
		}
		side := ev.Side
		if side == "" {
			side = "position"
		}
		out = append(out, model.Exploit{
			ID:        ev.ID,
			TxHash:    ev.ID,
			Chain:     "Hyperliquid",
			Protocol:  "Hyperliquid DEX",
			AmountUSD: decimal.NewFromFloat(ev.SizeUSD).Round(2),
			Timestamp: ev.Timestamp,
			Source:    APISource,
			SourceURL: strings.TrimRight(appURL, "/"),
			Category:  string(model.ThreatLargeLiquidation),
			Description: fmt.Sprintf("Large liquidation: $%s %s %s for %s",
				usd(ev.SizeUSD), strings.ToUpper(ev.Asset), side, normalizeWallet(ev.User)),
			RecoveryStatus: "unknown",
		})
	}
	return out
}
