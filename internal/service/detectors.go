package service

import (
	"context"
	"sort"

	"hl-sentinel/internal/liquidation"
	"hl-sentinel/internal/model"
	"hl-sentinel/internal/oracle"
	"hl-sentinel/internal/vault"
)

// ArchiveSource is the default source label for archived exploits.
const ArchiveSource = "github_historical"

// Result is everything one detector observed during a poll.
type Result struct {
	Exploits   []model.Exploit
	Snapshot   *model.VaultSnapshot
	Deviations []model.OracleDeviation
	Events     []model.SecurityEvent
	Patterns   []model.LiquidationPattern
}

// Detector is one independently failing contributor to a poll cycle.
type Detector interface {
	Name() string
	Poll(ctx context.Context) (Result, error)
}

// VaultDetector adapts the vault health monitor.
type VaultDetector struct {
	monitor *vault.Monitor
}

// NewVaultDetector wraps a vault monitor.
func NewVaultDetector(m *vault.Monitor) *VaultDetector {
	return &VaultDetector{monitor: m}
}

func (d *VaultDetector) Name() string { return vault.Source }

func (d *VaultDetector) Poll(ctx context.Context) (Result, error) {
	snap, events, err := d.monitor.Poll(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Exploits: d.monitor.Exploits(events),
		Snapshot: &snap,
		Events:   events,
	}, nil
}

// OracleDetector adapts the oracle deviation monitor.
type OracleDetector struct {
	monitor *oracle.Monitor
}

// NewOracleDetector wraps an oracle monitor.
func NewOracleDetector(m *oracle.Monitor) *OracleDetector {
	return &OracleDetector{monitor: m}
}

func (d *OracleDetector) Name() string { return oracle.Source }

func (d *OracleDetector) Poll(ctx context.Context) (Result, error) {
	observed, exploits, err := d.monitor.Poll(ctx)
	if err != nil {
		return Result{}, err
	}
	devs := make([]model.OracleDeviation, 0, len(observed))
	for _, dev := range observed {
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Asset < devs[j].Asset })
	return Result{Exploits: exploits, Deviations: devs}, nil
}

// LiquidationFeed yields recent liquidation events.
type LiquidationFeed interface {
	Liquidations(ctx context.Context) ([]model.LiquidationEvent, error)
}

// LiquidationDetector runs the pattern analyzer and the large-liquidation
// rule over one fetch of the liquidation feed.
type LiquidationDetector struct {
	feed     LiquidationFeed
	analyzer *liquidation.Analyzer
	largeUSD float64
	appURL   string
}

// NewLiquidationDetector wires a feed to the analyzer.
func NewLiquidationDetector(feed LiquidationFeed, analyzer *liquidation.Analyzer, largeUSD float64, appURL string) *LiquidationDetector {
	if largeUSD <= 0 {
		largeUSD = liquidation.DefaultLargeUSD
	}
	return &LiquidationDetector{feed: feed, analyzer: analyzer, largeUSD: largeUSD, appURL: appURL}
}

func (d *LiquidationDetector) Name() string { return liquidation.Source }

func (d *LiquidationDetector) Poll(ctx context.Context) (Result, error) {
	events, err := d.feed.Liquidations(ctx)
	if err != nil {
		return Result{}, err
	}

	patterns := d.analyzer.Detect(events, d.analyzer.Window())
	secEvents := make([]model.SecurityEvent, 0, len(patterns))
	for _, p := range patterns {
		secEvents = append(secEvents, liquidation.ToEvent(p))
	}

	exploits := liquidation.LargeLiquidations(events, d.largeUSD, d.appURL)
	exploits = append(exploits, d.analyzer.Exploits(patterns)...)

	return Result{Exploits: exploits, Events: secEvents, Patterns: patterns}, nil
}

// ArchiveFeed yields historical exploit records.
type ArchiveFeed interface {
	Exploits(ctx context.Context) ([]model.Exploit, error)
}

// ArchiveDetector surfaces the historical exploit archive.
type ArchiveDetector struct {
	feed ArchiveFeed
}

// NewArchiveDetector wraps an archive feed.
func NewArchiveDetector(feed ArchiveFeed) *ArchiveDetector {
	return &ArchiveDetector{feed: feed}
}

func (d *ArchiveDetector) Name() string { return ArchiveSource }

func (d *ArchiveDetector) Poll(ctx context.Context) (Result, error) {
	list, err := d.feed.Exploits(ctx)
	if err != nil {
		return Result{}, err
	}
	for i := range list {
		if list[i].Source == "" {
			list[i].Source = ArchiveSource
		}
	}
	return Result{Exploits: list}, nil
}

// sourceOrder is the merge precedence of exploit sources; the first record
// seen for an id wins.
var sourceOrder = []string{
	liquidation.APISource,
	ArchiveSource,
	vault.Source,
	oracle.Source,
	liquidation.Source,
}

// orderBySource groups exploits into merge order. Unknown sources follow the
// known ones, sorted by name.
func orderBySource(list []model.Exploit) [][]model.Exploit {
	groups := make(map[string][]model.Exploit)
	for _, e := range list {
		groups[e.Source] = append(groups[e.Source], e)
	}

	ordered := make([][]model.Exploit, 0, len(groups))
	known := make(map[string]bool, len(sourceOrder))
	for _, src := range sourceOrder {
		known[src] = true
		if g, ok := groups[src]; ok {
			ordered = append(ordered, g)
		}
	}

	var rest []string
	for src := range groups {
		if !known[src] {
			rest = append(rest, src)
		}
	}
	sort.Strings(rest)
	for _, src := range rest {
		ordered = append(ordered, groups[src])
	}
	return ordered
}
