// Package feeds adapts upstream market data sources and normalizes their
// heterogeneous JSON shapes into asset → price maps and typed series.
package feeds

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"hl-sentinel/internal/fetcher"
	"hl-sentinel/internal/model"
)

// PortfolioPoint is one (instant, account value) sample of a vault series.
type PortfolioPoint struct {
	Time  time.Time
	Value float64
}

// BaseAsset strips quote or contract suffixes: "BTC-PERP" and "BTC-USD" become "BTC".
func BaseAsset(symbol string) string {
	s := strings.TrimSpace(symbol)
	if i := strings.IndexByte(s, '-'); i > 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}

// ParseMids normalizes the exchange allMids object {"BTC":"65000.1",...}.
// Spot index keys ("@107") and unparsable prices are skipped.
func ParseMids(raw []byte) (map[string]float64, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fetcher.NewParseError("allMids", raw, errors.New("expected object"))
	}

	prices := make(map[string]float64)
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if strings.HasPrefix(name, "@") {
			return true
		}
		price, ok := parsePrice(value)
		if !ok {
			return true
		}
		prices[BaseAsset(name)] = price
		return true
	})
	return prices, nil
}

// ParseBinanceTickers normalizes [{"symbol":"BTCUSDT","price":"65000"}...]
// back to asset names using symbols (asset → exchange symbol).
func ParseBinanceTickers(raw []byte, symbols map[string]string) (map[string]float64, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsArray() {
		return nil, fetcher.NewParseError("binance", raw, errors.New("expected array"))
	}

	reverse := make(map[string]string, len(symbols))
	for asset, symbol := range symbols {
		if symbol != "" {
			reverse[symbol] = asset
		}
	}

	prices := make(map[string]float64)
	root.ForEach(func(_, item gjson.Result) bool {
		asset, ok := reverse[item.Get("symbol").String()]
		if !ok {
			return true
		}
		if price, ok := parsePrice(item.Get("price")); ok {
			prices[asset] = price
		}
		return true
	})
	return prices, nil
}

// ParseCoinbaseSpot reads {"data":{"amount":"65000.12",...}}.
func ParseCoinbaseSpot(raw []byte) (float64, error) {
	price, ok := parsePrice(gjson.GetBytes(raw, "data.amount"))
	if !ok {
		return 0, fetcher.NewParseError("coinbase", raw, errors.New("missing data.amount"))
	}
	return price, nil
}

// ParsePortfolio extracts the "day" account value history from a vaultDetails
// response: {"portfolio":[["day",{"accountValueHistory":[[ms,"value"],...]}],...]}.
// Points are returned sorted by time.
func ParsePortfolio(raw []byte) ([]PortfolioPoint, error) {
	portfolio := gjson.GetBytes(raw, "portfolio")
	if !portfolio.Exists() {
		return nil, fetcher.NewParseError("vaultDetails", raw, errors.New("missing portfolio"))
	}
	if !portfolio.IsArray() {
		return nil, fetcher.NewParseError("vaultDetails", raw, errors.New("portfolio is not an array"))
	}

	var history gjson.Result
	portfolio.ForEach(func(_, period gjson.Result) bool {
		if period.Get("0").String() == "day" {
			history = period.Get("1.accountValueHistory")
			return false
		}
		return true
	})

	points := make([]PortfolioPoint, 0)
	if !history.IsArray() {
		return points, nil
	}

	history.ForEach(func(_, entry gjson.Result) bool {
		ts := entry.Get("0")
		value, ok := parseNumber(entry.Get("1"))
		if !ts.Exists() || !ok || value < 0 {
			return true
		}
		points = append(points, PortfolioPoint{
			Time:  time.UnixMilli(ts.Int()).UTC(),
			Value: value,
		})
		return true
	})

	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}

// ParseLiquidations decodes a JSON array of liquidation events.
func ParseLiquidations(raw []byte) ([]model.LiquidationEvent, error) {
	var events []model.LiquidationEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fetcher.NewParseError("liquidations", raw, err)
	}
	for i := range events {
		events[i].Asset = BaseAsset(events[i].Asset)
		events[i].Timestamp = events[i].Timestamp.UTC()
	}
	return events, nil
}

// ParseExploits decodes a JSON array of historical exploit records.
func ParseExploits(raw []byte) ([]model.Exploit, error) {
	var exploits []model.Exploit
	if err := json.Unmarshal(raw, &exploits); err != nil {
		return nil, fetcher.NewParseError("archive", raw, err)
	}
	return exploits, nil
}

func parsePrice(v gjson.Result) (float64, bool) {
	price, ok := parseNumber(v)
	if !ok || price <= 0 {
		return 0, false
	}
	return price, true
}

// parseNumber accepts both JSON numbers and numeric strings.
func parseNumber(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
