package feeds

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"hl-sentinel/internal/fetcher"
)

type fakeFetcher struct {
	mu       sync.Mutex
	bodies   map[string]string
	failures map[string]error
	requests []fetcher.Request
}

func (f *fakeFetcher) FetchJSON(_ context.Context, req fetcher.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.failures[req.URL]; ok {
		return nil, err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return nil, &fetcher.FetchError{URL: req.URL, Status: 404, Err: errors.New("not found")}
	}
	return []byte(body), nil
}

func TestExchangePricesPostsAllMids(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{"https://api.test/info": `{"BTC":"65000"}`}}
	ex := NewExchange(f, "https://api.test/info", zerolog.Nop())

	prices, err := ex.Prices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prices["BTC"] != 65000 {
		t.Fatalf("unexpected prices %#v", prices)
	}
	body, ok := f.requests[0].Body.(map[string]string)
	if !ok || body["type"] != "allMids" || f.requests[0].Method != "POST" {
		t.Fatalf("unexpected request %+v", f.requests[0])
	}
}

func TestExchangeFailureIsFetchError(t *testing.T) {
	f := &fakeFetcher{failures: map[string]error{
		"https://api.test/info": &fetcher.FetchError{URL: "https://api.test/info", Retryable: true, Err: context.DeadlineExceeded},
	}}
	ex := NewExchange(f, "https://api.test/info", zerolog.Nop())

	if _, err := ex.VaultPortfolio(context.Background(), "0xdfc24b077bc1425ad1dea75bcb6f8158e10df303"); !fetcher.IsFetchError(err) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestCoinbaseToleratesPartialFailure(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://cb.test/prices/BTC-USD/spot": `{"data":{"amount":"65001"}}`,
	}}
	cb := NewCoinbase(f, "https://cb.test/prices/", map[string]string{"BTC": "BTC-USD", "ETH": "ETH-USD"}, zerolog.Nop())

	prices, err := cb.Prices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prices) != 1 || prices["BTC"] != 65001 {
		t.Fatalf("unexpected prices %#v", prices)
	}
}

func TestCoinbaseAllFailuresReturnError(t *testing.T) {
	f := &fakeFetcher{}
	cb := NewCoinbase(f, "https://cb.test/prices", map[string]string{"BTC": "BTC-USD"}, zerolog.Nop())

	_, err := cb.Prices(context.Background())
	if err == nil || !strings.Contains(err.Error(), "coinbase spot") {
		t.Fatalf("expected coinbase error, got %v", err)
	}
}

func TestBinancePrices(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://bn.test/ticker": `[{"symbol":"SOLUSDT","price":"150.25"}]`,
	}}
	bn := NewBinance(f, "https://bn.test/ticker", map[string]string{"SOL": "SOLUSDT"})

	prices, err := bn.Prices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prices["SOL"] != 150.25 {
		t.Fatalf("unexpected prices %#v", prices)
	}
}

func TestDisabledSourcesReturnNothing(t *testing.T) {
	f := &fakeFetcher{}

	exploits, err := NewArchive(f, "").Exploits(context.Background())
	if err != nil || exploits != nil {
		t.Fatalf("disabled archive should be empty: %v %v", exploits, err)
	}
	events, err := NewLiquidations(f, "").Liquidations(context.Background())
	if err != nil || events != nil {
		t.Fatalf("disabled liquidation feed should be empty: %v %v", events, err)
	}
	if len(f.requests) != 0 {
		t.Fatalf("disabled sources must not fetch, got %d requests", len(f.requests))
	}
}
