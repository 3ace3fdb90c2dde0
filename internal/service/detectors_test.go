package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hl-sentinel/internal/liquidation"
	"hl-sentinel/internal/model"
	"hl-sentinel/internal/oracle"
	"hl-sentinel/internal/vault"
)

type staticFeed struct {
	events []model.LiquidationEvent
	err    error
}

func (f staticFeed) Liquidations(context.Context) ([]model.LiquidationEvent, error) {
	return f.events, f.err
}

type staticArchive struct{ list []model.Exploit }

func (a staticArchive) Exploits(context.Context) ([]model.Exploit, error) {
	return a.list, nil
}

type staticPrices struct {
	name   string
	prices map[string]float64
}

func (s staticPrices) Name() string { return s.name }

func (s staticPrices) Prices(context.Context) (map[string]float64, error) {
	return s.prices, nil
}

func TestLiquidationDetectorReportsLargeLiquidations(t *testing.T) {
	feed := staticFeed{events: []model.LiquidationEvent{
		{ID: "liq-big", Timestamp: now, User: "0xAbC0000000000000000000000000000000000001", Asset: "BTC", SizeUSD: 2_500_000},
		{ID: "liq-small", Timestamp: now, User: "0xabc0000000000000000000000000000000000002", Asset: "BTC", SizeUSD: 10_000},
	}}
	d := NewLiquidationDetector(feed, liquidation.NewAnalyzer(liquidation.Config{}), 0, "https://app.hyperliquid.xyz")
	assert.Equal(t, liquidation.Source, d.Name())

	res, err := d.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Exploits, 1)
	assert.Equal(t, "liq-big", res.Exploits[0].ID)
	assert.Equal(t, liquidation.APISource, res.Exploits[0].Source)
	assert.Empty(t, res.Patterns)
	assert.Empty(t, res.Events)
}

func TestLiquidationDetectorPropagatesFeedError(t *testing.T) {
	d := NewLiquidationDetector(staticFeed{err: errors.New("timeout")}, liquidation.NewAnalyzer(liquidation.Config{}), 0, "")
	_, err := d.Poll(context.Background())
	require.Error(t, err)
}

func TestArchiveDetectorDefaultsSource(t *testing.T) {
	d := NewArchiveDetector(staticArchive{list: []model.Exploit{{TxHash: "0x1"}, {TxHash: "0x2", Source: "rekt"}}})
	res, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ArchiveSource, res.Exploits[0].Source)
	assert.Equal(t, "rekt", res.Exploits[1].Source)
}

func TestOracleDetectorReportsObservedDeviations(t *testing.T) {
	m := oracle.NewMonitor(oracle.Config{
		Assets: map[string]oracle.AssetMapping{
			"ETH": {Binance: "ETHUSDT"},
			"BTC": {Binance: "BTCUSDT"},
		},
	},
		staticPrices{name: "hyperliquid", prices: map[string]float64{"BTC": 101, "ETH": 10}},
		staticPrices{name: "binance", prices: map[string]float64{"BTC": 100, "ETH": 10}},
		nil,
		zerolog.Nop(),
		oracle.WithClock(func() time.Time { return now }),
	)

	d := NewOracleDetector(m)
	assert.Equal(t, oracle.Source, d.Name())

	res, err := d.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Deviations, 1, "assets within tolerance produce no record")
	assert.Equal(t, "BTC", res.Deviations[0].Asset)
	assert.False(t, res.Deviations[0].Dangerous)
	assert.Empty(t, res.Exploits)
}

func TestVaultDetectorName(t *testing.T) {
	d := NewVaultDetector(vault.NewMonitor(vault.Config{Address: "0xdfc24b077bc1425ad1dea75bcb6f8158e10df303"}, nil, zerolog.Nop()))
	assert.Equal(t, vault.Source, d.Name())
}

func TestOrderBySource(t *testing.T) {
	list := []model.Exploit{
		{Source: liquidation.Source},
		{Source: "zeta"},
		{Source: vault.Source},
		{Source: "alpha"},
		{Source: liquidation.APISource},
		{Source: oracle.Source},
		{Source: ArchiveSource},
	}
	var got []string
	for _, group := range orderBySource(list) {
		got = append(got, group[0].Source)
	}
	assert.Equal(t, []string{
		liquidation.APISource,
		ArchiveSource,
		vault.Source,
		oracle.Source,
		liquidation.Source,
		"alpha",
		"zeta",
	}, got)
}

func TestEventLogDedupesAndCaps(t *testing.T) {
	log := newEventLog(2)

	fresh := log.add([]model.SecurityEvent{{ID: "a"}, {ID: "b"}, {ID: "a", Title: "updated"}})
	assert.Len(t, fresh, 2)

	all := log.all()
	require.Len(t, all, 2)
	assert.Equal(t, "updated", all[0].Title)

	fresh = log.add([]model.SecurityEvent{{ID: "c"}})
	assert.Len(t, fresh, 1)
	all = log.all()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "c", all[1].ID)
}
