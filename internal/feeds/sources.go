package feeds

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hl-sentinel/internal/fetcher"
	"hl-sentinel/internal/model"
)

const coinbaseConcurrency = 4

// Exchange talks to the exchange's info endpoint.
type Exchange struct {
	fetch  fetcher.JSONFetcher
	url    string
	logger zerolog.Logger
}

// NewExchange constructs the exchange adapter for an info endpoint URL.
func NewExchange(fetch fetcher.JSONFetcher, infoURL string, logger zerolog.Logger) *Exchange {
	return &Exchange{
		fetch:  fetch,
		url:    infoURL,
		logger: logger.With().Str("component", "exchange_feed").Logger(),
	}
}

// Name identifies the source.
func (e *Exchange) Name() string { return "hyperliquid" }

// Prices returns normalized mid prices for every listed asset.
func (e *Exchange) Prices(ctx context.Context) (map[string]float64, error) {
	raw, err := e.fetch.FetchJSON(ctx, fetcher.Request{
		URL:    e.url,
		Method: http.MethodPost,
		Body:   map[string]string{"type": "allMids"},
	})
	if err != nil {
		return nil, fmt.Errorf("exchange mids: %w", err)
	}
	return ParseMids(raw)
}

// VaultPortfolio returns the "day" account value series of a vault.
func (e *Exchange) VaultPortfolio(ctx context.Context, vaultAddress string) ([]PortfolioPoint, error) {
	raw, err := e.fetch.FetchJSON(ctx, fetcher.Request{
		URL:    e.url,
		Method: http.MethodPost,
		Body: map[string]string{
			"type":         "vaultDetails",
			"vaultAddress": vaultAddress,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vault details: %w", err)
	}
	return ParsePortfolio(raw)
}

// Binance reads the spot ticker list.
type Binance struct {
	fetch   fetcher.JSONFetcher
	url     string
	symbols map[string]string
}

// NewBinance constructs the adapter; symbols maps asset → Binance symbol.
func NewBinance(fetch fetcher.JSONFetcher, tickerURL string, symbols map[string]string) *Binance {
	return &Binance{fetch: fetch, url: tickerURL, symbols: symbols}
}

// Name identifies the source.
func (b *Binance) Name() string { return "binance" }

// Prices returns prices for the mapped assets.
func (b *Binance) Prices(ctx context.Context) (map[string]float64, error) {
	raw, err := b.fetch.FetchJSON(ctx, fetcher.Request{URL: b.url})
	if err != nil {
		return nil, fmt.Errorf("binance tickers: %w", err)
	}
	return ParseBinanceTickers(raw, b.symbols)
}

// Coinbase reads one spot price per asset.
type Coinbase struct {
	fetch   fetcher.JSONFetcher
	baseURL string
	symbols map[string]string
	logger  zerolog.Logger
}

// NewCoinbase constructs the adapter; symbols maps asset → Coinbase pair.
func NewCoinbase(fetch fetcher.JSONFetcher, baseURL string, symbols map[string]string, logger zerolog.Logger) *Coinbase {
	return &Coinbase{
		fetch:   fetch,
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		logger:  logger.With().Str("component", "coinbase_feed").Logger(),
	}
}

// Name identifies the source.
func (c *Coinbase) Name() string { return "coinbase" }

// Prices fetches every mapped pair. Individual pair failures are skipped; the
// call fails only when no pair could be read.
func (c *Coinbase) Prices(ctx context.Context) (map[string]float64, error) {
	assets := make([]string, 0, len(c.symbols))
	for asset, pair := range c.symbols {
		if pair != "" {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)

	var (
		mu      sync.Mutex
		prices  = make(map[string]float64, len(assets))
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(coinbaseConcurrency)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			url := fmt.Sprintf("%s/%s/spot", c.baseURL, c.symbols[asset])
			raw, err := c.fetch.FetchJSON(gctx, fetcher.Request{URL: url})
			if err == nil {
				var price float64
				price, err = ParseCoinbaseSpot(raw)
				if err == nil {
					mu.Lock()
					prices[asset] = price
					mu.Unlock()
					return nil
				}
			}
			c.logger.Debug().Err(err).Str("asset", asset).Msg("coinbase price unavailable")
			mu.Lock()
			lastErr = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(prices) == 0 && lastErr != nil {
		return nil, fmt.Errorf("coinbase spot: %w", lastErr)
	}
	return prices, nil
}

// Archive reads a curated JSON list of historical exploits.
type Archive struct {
	fetch fetcher.JSONFetcher
	url   string
}

// NewArchive constructs the adapter. An empty URL disables the source.
func NewArchive(fetch fetcher.JSONFetcher, url string) *Archive {
	return &Archive{fetch: fetch, url: url}
}

// Exploits returns the archived records.
func (a *Archive) Exploits(ctx context.Context) ([]model.Exploit, error) {
	if a.url == "" {
		return nil, nil
	}
	raw, err := a.fetch.FetchJSON(ctx, fetcher.Request{URL: a.url})
	if err != nil {
		return nil, fmt.Errorf("exploit archive: %w", err)
	}
	return ParseExploits(raw)
}

// Liquidations reads the liquidation stream endpoint.
type Liquidations struct {
	fetch fetcher.JSONFetcher
	url   string
}

// NewLiquidations constructs the adapter. An empty URL disables the source.
func NewLiquidations(fetch fetcher.JSONFetcher, url string) *Liquidations {
	return &Liquidations{fetch: fetch, url: url}
}

// Liquidations returns the events currently exposed by the endpoint.
func (l *Liquidations) Liquidations(ctx context.Context) ([]model.LiquidationEvent, error) {
	if l.url == "" {
		return nil, nil
	}
	raw, err := l.fetch.FetchJSON(ctx, fetcher.Request{URL: l.url})
	if err != nil {
		return nil, fmt.Errorf("liquidations: %w", err)
	}
	return ParseLiquidations(raw)
}
