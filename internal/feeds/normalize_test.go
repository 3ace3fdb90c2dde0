package feeds

import (
	"errors"
	"testing"
	"time"

	"hl-sentinel/internal/fetcher"
)

func TestParseMidsNormalizesSymbols(t *testing.T) {
	raw := []byte(`{"BTC":"65000.5","ETH-PERP":"3200","@107":"1.2","SOL":"bad","ARB":0.91,"OP":"0"}`)

	prices, err := ParseMids(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]float64{"BTC": 65000.5, "ETH": 3200, "ARB": 0.91}
	if len(prices) != len(want) {
		t.Fatalf("unexpected prices %#v", prices)
	}
	for asset, price := range want {
		if prices[asset] != price {
			t.Fatalf("%s: want %v got %v", asset, price, prices[asset])
		}
	}
}

func TestParseMidsRejectsNonObject(t *testing.T) {
	_, err := ParseMids([]byte(`[1,2,3]`))
	var pe *fetcher.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !fetcher.IsFetchError(err) {
		t.Fatal("parse errors should be treated as fetch errors")
	}
}

func TestParseBinanceTickersMapsBackToAssets(t *testing.T) {
	raw := []byte(`[{"symbol":"BTCUSDT","price":"65010.00"},{"symbol":"ETHUSDT","price":"3199.5"},{"symbol":"DOGEUSDT","price":"0.1"}]`)
	symbols := map[string]string{"BTC": "BTCUSDT", "ETH": "ETHUSDT", "SOL": "SOLUSDT"}

	prices, err := ParseBinanceTickers(raw, symbols)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prices) != 2 || prices["BTC"] != 65010 || prices["ETH"] != 3199.5 {
		t.Fatalf("unexpected prices %#v", prices)
	}
}

func TestParseCoinbaseSpot(t *testing.T) {
	price, err := ParseCoinbaseSpot([]byte(`{"data":{"base":"BTC","currency":"USD","amount":"64990.12"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 64990.12 {
		t.Fatalf("unexpected price %v", price)
	}

	if _, err := ParseCoinbaseSpot([]byte(`{"errors":[{"id":"not_found"}]}`)); err == nil {
		t.Fatal("expected error for missing amount")
	}
}

func TestParsePortfolioPicksDaySeries(t *testing.T) {
	raw := []byte(`{"portfolio":[
		["week",{"accountValueHistory":[[1700000000000,"1"]]}],
		["day",{"accountValueHistory":[[1700000120000,"120.5"],[1700000000000,"100"],[1700000060000,0],[1700000090000,"-3"]]}]
	]}`)

	points, err := ParsePortfolio(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if !points[0].Time.Equal(time.UnixMilli(1700000000000)) || points[0].Value != 100 {
		t.Fatalf("unexpected first point %+v", points[0])
	}
	if points[1].Value != 0 {
		t.Fatalf("zero account values must be kept, got %+v", points[1])
	}
	if points[2].Value != 120.5 {
		t.Fatalf("unexpected last point %+v", points[2])
	}
}

func TestParsePortfolioMissingDayIsEmpty(t *testing.T) {
	points, err := ParsePortfolio([]byte(`{"portfolio":[["allTime",{"accountValueHistory":[]}]]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected empty series, got %d", len(points))
	}

	if _, err := ParsePortfolio([]byte(`{"name":"HLP"}`)); err == nil {
		t.Fatal("expected error when portfolio is missing")
	}
}

func TestParseLiquidations(t *testing.T) {
	raw := []byte(`[{"liquidation_id":"liq-1","timestamp":"2026-01-02T03:04:05Z","user":"0xabc","asset":"eth-perp","amount_usd":1500000,"block":42}]`)

	events, err := ParseLiquidations(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Asset != "ETH" || events[0].Block != 42 || events[0].SizeUSD != 1500000 {
		t.Fatalf("unexpected events %+v", events)
	}

	if _, err := ParseLiquidations([]byte(`{"oops":true}`)); err == nil {
		t.Fatal("expected error for non-array payload")
	}
}

func TestParseExploits(t *testing.T) {
	raw := []byte(`[{"id":"","tx_hash":"0xfeed","chain":"Hyperliquid","protocol":"HLP Vault","amount_usd":4000000,"timestamp":"2025-03-12T00:00:00Z","source":"github_historical","category":"vault_exploitation","description":"JELLY squeeze","recovery_status":"resolved"}]`)

	exploits, err := ParseExploits(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exploits) != 1 || exploits[0].TxHash != "0xfeed" || exploits[0].AmountUSD.IntPart() != 4000000 {
		t.Fatalf("unexpected exploits %+v", exploits)
	}
}
