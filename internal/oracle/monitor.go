// Package oracle compares exchange prices with independent external feeds
// and tracks how long each asset has been deviating.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"hl-sentinel/internal/history"
	"hl-sentinel/internal/model"
)

// Source is the analyzer name stamped on exploits.
const Source = "oracle_monitor"

// PriceSource returns asset → price for the assets it knows.
type PriceSource interface {
	Name() string
	Prices(ctx context.Context) (map[string]float64, error)
}

// AssetMapping names an asset's symbol on each external feed. An empty
// symbol means the feed does not list the asset.
type AssetMapping struct {
	Binance  string `mapstructure:"binance"`
	Coinbase string `mapstructure:"coinbase"`
}

// DefaultAssets is the built-in asset map.
func DefaultAssets() map[string]AssetMapping {
	assets := map[string]AssetMapping{}
	for _, a := range []string{"BTC", "ETH", "SOL", "MATIC", "ARB", "OP", "AVAX"} {
		assets[a] = AssetMapping{Binance: a + "USDT", Coinbase: a + "-USD"}
	}
	return assets
}

// Config parameterises the monitor.
type Config struct {
	Assets           map[string]AssetMapping
	Thresholds       Thresholds
	HistoryCap       int
	ExploitRiskScore float64
	AppURL           string
}

func (c Config) withDefaults() Config {
	if len(c.Assets) == 0 {
		c.Assets = DefaultAssets()
	}
	def := DefaultThresholds()
	if c.Thresholds.WarningPct <= 0 {
		c.Thresholds.WarningPct = def.WarningPct
	}
	if c.Thresholds.DangerPct <= 0 {
		c.Thresholds.DangerPct = def.DangerPct
	}
	if c.Thresholds.CriticalPct <= 0 {
		c.Thresholds.CriticalPct = def.CriticalPct
	}
	if c.Thresholds.SustainedSeconds <= 0 {
		c.Thresholds.SustainedSeconds = def.SustainedSeconds
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 100
	}
	if c.ExploitRiskScore <= 0 {
		c.ExploitRiskScore = 80
	}
	if c.AppURL == "" {
		c.AppURL = "https://app.hyperliquid.xyz"
	}
	return c
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor owns per-asset deviation histories, the open deviation episodes
// and the map of currently dangerous deviations.
type Monitor struct {
	cfg      Config
	primary  PriceSource
	external []PriceSource
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	history  map[string]*history.Ring[model.OracleDeviation]
	episodes map[string]time.Time
	active   map[string]model.OracleDeviation
}

// NewMonitor constructs an oracle monitor. binance and coinbase may be nil.
func NewMonitor(cfg Config, primary, binance, coinbase PriceSource, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg.withDefaults(),
		primary:  primary,
		external: []PriceSource{binance, coinbase},
		logger:   logger.With().Str("component", "oracle_monitor").Logger(),
		now:      time.Now,
		history:  make(map[string]*history.Ring[model.OracleDeviation]),
		episodes: make(map[string]time.Time),
		active:   make(map[string]model.OracleDeviation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Poll evaluates every mapped asset. External feed failures degrade to the
// feeds that answered; a primary feed failure fails the whole poll.
func (m *Monitor) Poll(ctx context.Context) (map[string]model.OracleDeviation, []model.Exploit, error) {
	var (
		exchange map[string]float64
		refs     = make([]map[string]float64, len(m.external))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prices, err := m.primary.Prices(gctx)
		if err != nil {
			return fmt.Errorf("exchange prices: %w", err)
		}
		exchange = prices
		return nil
	})
	for i, src := range m.external {
		if src == nil {
			continue
		}
		i, src := i, src
		g.Go(func() error {
			prices, err := src.Prices(gctx)
			if err != nil {
				m.logger.Warn().Err(err).Str("source", src.Name()).Msg("external price feed unavailable")
				return nil
			}
			refs[i] = prices
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	deviations := make(map[string]model.OracleDeviation)
	var exploits []model.Exploit

	for _, asset := range m.assets() {
		ex, ok := exchange[asset]
		if !ok || ex <= 0 {
			continue
		}

		dev, ok := m.evaluate(asset, ex, refs[0], refs[1], now)
		if !ok {
			continue
		}
		deviations[asset] = dev

		if dev.Dangerous && dev.RiskScore > m.cfg.ExploitRiskScore {
			exploits = append(exploits, m.toExploit(dev))
		}
	}

	// An asset without a record this cycle starts a new episode next time.
	for asset := range m.episodes {
		if _, ok := deviations[asset]; !ok {
			delete(m.episodes, asset)
			delete(m.active, asset)
		}
	}

	m.logger.Info().
		Int("assets", len(exchange)).
		Int("deviating", len(deviations)).
		Int("active", len(m.active)).
		Int("exploits", len(exploits)).
		Msg("oracle poll complete")

	return deviations, exploits, nil
}

// evaluate updates the asset's episode, history and active entry. It reports
// false when no record was produced.
func (m *Monitor) evaluate(asset string, exchange float64, binance, coinbase map[string]float64, now time.Time) (model.OracleDeviation, bool) {
	bn := lookup(binance, asset)
	cb := lookup(coinbase, asset)
	if bn == nil && cb == nil {
		return model.OracleDeviation{}, false
	}

	maxDev := 0.0
	for _, ref := range []*float64{bn, cb} {
		if ref == nil {
			continue
		}
		if d := deviationPct(exchange, *ref); d > maxDev {
			maxDev = d
		}
	}

	th := m.cfg.Thresholds
	if maxDev < th.WarningPct {
		delete(m.episodes, asset)
		delete(m.active, asset)
		return model.OracleDeviation{}, false
	}

	onset, ok := m.episodes[asset]
	if !ok {
		onset = now
		m.episodes[asset] = now
	}
	duration := now.Sub(onset).Seconds()

	dev := model.OracleDeviation{
		Timestamp:       now,
		Asset:           asset,
		ExchangePrice:   exchange,
		BinancePrice:    bn,
		CoinbasePrice:   cb,
		MaxDeviationPct: maxDev,
		DurationSeconds: duration,
		OnsetAt:         onset,
		Dangerous:       maxDev >= th.DangerPct && duration >= th.SustainedSeconds,
		RiskScore:       th.RiskScore(maxDev, duration),
	}

	ring, ok := m.history[asset]
	if !ok {
		ring = history.NewRing[model.OracleDeviation](m.cfg.HistoryCap)
		m.history[asset] = ring
	}
	ring.Push(dev)

	if dev.Dangerous {
		m.active[asset] = dev
	} else {
		delete(m.active, asset)
	}
	return dev, true
}

func (m *Monitor) toExploit(dev model.OracleDeviation) model.Exploit {
	id := model.EventID("oracle", "oracle", dev.OnsetAt, dev.Asset)
	recovery := "resolved"
	if dev.Dangerous {
		recovery = "active"
	}
	return model.Exploit{
		ID:             id,
		TxHash:         id,
		Chain:          "Hyperliquid",
		Protocol:       "Hyperliquid Oracle",
		AmountUSD:      decimal.Zero,
		Timestamp:      dev.OnsetAt,
		Source:         Source,
		SourceURL:      m.cfg.AppURL,
		Category:       string(model.ThreatOracleManipulation),
		Description:    m.describe(dev),
		RecoveryStatus: recovery,
	}
}

func (m *Monitor) describe(dev model.OracleDeviation) string {
	return fmt.Sprintf("Oracle price deviation detected for %s (%s). Hyperliquid price: %s, "+
		"external sources: Binance %s, Coinbase %s. Max deviation: %.2f%%, duration: %.0fs. Risk score: %.0f/100",
		dev.Asset, m.cfg.Thresholds.Severity(dev.MaxDeviationPct), money(&dev.ExchangePrice),
		money(dev.BinancePrice), money(dev.CoinbasePrice), dev.MaxDeviationPct, dev.DurationSeconds, dev.RiskScore)
}

// ActiveDeviations returns the currently dangerous deviations ordered by asset.
func (m *Monitor) ActiveDeviations() []model.OracleDeviation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.OracleDeviation, 0, len(m.active))
	for _, dev := range m.active {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// DeviationHistory returns up to limit most recent records for asset, oldest
// first. limit <= 0 returns everything retained.
func (m *Monitor) DeviationHistory(asset string, limit int) []model.OracleDeviation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring, ok := m.history[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return []model.OracleDeviation{}
	}
	return ring.Last(limit)
}

// Thresholds exposes the configured bands.
func (m *Monitor) Thresholds() Thresholds {
	return m.cfg.Thresholds
}

func (m *Monitor) assets() []string {
	out := make([]string, 0, len(m.cfg.Assets))
	for asset := range m.cfg.Assets {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

func lookup(prices map[string]float64, asset string) *float64 {
	if prices == nil {
		return nil
	}
	p, ok := prices[asset]
	if !ok || p <= 0 {
		return nil
	}
	return &p
}

func money(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return "$" + humanize.CommafWithDigits(*v, 2)
}
