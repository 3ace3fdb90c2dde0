// Package liquidation finds suspicious liquidation patterns: cascades whose
// volume far exceeds the trailing baseline, and single large liquidations
// with a flash-loan-like price impact.
package liquidation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hl-sentinel/internal/model"
)

// Source is the analyzer name stamped on pattern events and exploits.
const Source = "liquidation_analyzer"

// Config holds detection thresholds.
type Config struct {
	Window           time.Duration
	CascadeMultiple  float64
	BaselineWindows  int
	MinCascadeUSD    float64
	MinCascadeEvents int
	FlashMinUSD      float64
	FlashImpactPct   float64
	// MinExploitSeverity is the lowest pattern severity surfaced as an exploit.
	MinExploitSeverity model.Severity
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.CascadeMultiple <= 0 {
		c.CascadeMultiple = 3
	}
	if c.BaselineWindows <= 0 {
		c.BaselineWindows = 12
	}
	if c.MinCascadeUSD <= 0 {
		c.MinCascadeUSD = 500_000
	}
	if c.MinCascadeEvents <= 0 {
		c.MinCascadeEvents = 3
	}
	if c.FlashMinUSD <= 0 {
		c.FlashMinUSD = 250_000
	}
	if c.FlashImpactPct <= 0 {
		c.FlashImpactPct = 2
	}
	if c.MinExploitSeverity == "" {
		c.MinExploitSeverity = model.SeverityHigh
	}
	return c
}

// Analyzer is stateless; every call works on the events it is given.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer constructs an analyzer with defaults for unset thresholds.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults()}
}

// Window returns the configured rolling window.
func (a *Analyzer) Window() time.Duration {
	return a.cfg.Window
}

// Analyze groups events by rolling window and asset and returns one security
// event per detected pattern. window <= 0 uses the configured window.
func (a *Analyzer) Analyze(events []model.LiquidationEvent, window time.Duration) []model.SecurityEvent {
	patterns := a.Detect(events, window)
	out := make([]model.SecurityEvent, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, ToEvent(p))
	}
	return out
}

// Detect returns cascade and flash-loan patterns ordered by start time.
func (a *Analyzer) Detect(events []model.LiquidationEvent, window time.Duration) []model.LiquidationPattern {
	if window <= 0 {
		window = a.cfg.Window
	}

	sorted := make([]model.LiquidationEvent, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.IsZero() || ev.SizeUSD <= 0 {
			continue
		}
		ev.Asset = strings.ToUpper(strings.TrimSpace(ev.Asset))
		sorted = append(sorted, ev)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	patterns := a.cascades(sorted, window)
	patterns = append(patterns, a.flashLoans(sorted)...)

	sort.SliceStable(patterns, func(i, j int) bool {
		if !patterns[i].Start.Equal(patterns[j].Start) {
			return patterns[i].Start.Before(patterns[j].Start)
		}
		return patterns[i].Type < patterns[j].Type
	})
	return patterns
}

// Exploits maps patterns at or above the configured severity to exploits.
func (a *Analyzer) Exploits(patterns []model.LiquidationPattern) []model.Exploit {
	out := make([]model.Exploit, 0, len(patterns))
	for _, p := range patterns {
		if !p.Severity.AtLeast(a.cfg.MinExploitSeverity) {
			continue
		}
		out = append(out, model.Exploit{
			ID:             p.ID,
			TxHash:         p.ID,
			Chain:          "Hyperliquid",
			Protocol:       "Hyperliquid DEX",
			AmountUSD:      decimal.NewFromFloat(p.TotalLiquidatedUSD).Round(2),
			Timestamp:      p.Start,
			Source:         Source,
			Category:       string(threatOf(p.Type)),
			Description:    describe(p),
			RecoveryStatus: "unknown",
		})
	}
	return out
}

type flagged struct {
	asset      string
	events     []model.LiquidationEvent
	start, end time.Time
	ratio      float64
}

func (a *Analyzer) cascades(sorted []model.LiquidationEvent, window time.Duration) []model.LiquidationPattern {
	byAsset := make(map[string][]model.LiquidationEvent)
	var assets []string
	for _, ev := range sorted {
		if _, ok := byAsset[ev.Asset]; !ok {
			assets = append(assets, ev.Asset)
		}
		byAsset[ev.Asset] = append(byAsset[ev.Asset], ev)
	}

	var windows []flagged
	for _, asset := range assets {
		windows = append(windows, a.flagWindows(asset, byAsset[asset], window)...)
	}
	if len(windows) == 0 {
		return nil
	}

	sort.SliceStable(windows, func(i, j int) bool { return windows[i].start.Before(windows[j].start) })

	var patterns []model.LiquidationPattern
	group := []flagged{windows[0]}
	groupEnd := windows[0].end
	for _, w := range windows[1:] {
		if !w.start.After(groupEnd) {
			group = append(group, w)
			if w.end.After(groupEnd) {
				groupEnd = w.end
			}
			continue
		}
		patterns = append(patterns, a.cascadePattern(group, window))
		group = []flagged{w}
		groupEnd = w.end
	}
	return append(patterns, a.cascadePattern(group, window))
}

// flagWindows slides a window starting at each event of one asset and keeps
// those whose volume exceeds the trailing baseline by the configured multiple.
func (a *Analyzer) flagWindows(asset string, evs []model.LiquidationEvent, window time.Duration) []flagged {
	prefix := make([]float64, len(evs)+1)
	for i, ev := range evs {
		prefix[i+1] = prefix[i] + ev.SizeUSD
	}
	firstAtOrAfter := func(t time.Time) int {
		return sort.Search(len(evs), func(k int) bool { return !evs[k].Timestamp.Before(t) })
	}

	n := float64(a.cfg.BaselineWindows)
	floor := a.cfg.MinCascadeUSD / a.cfg.CascadeMultiple

	var out []flagged
	for i := range evs {
		start := evs[i].Timestamp
		hi := firstAtOrAfter(start.Add(window))
		if hi-i < a.cfg.MinCascadeEvents {
			continue
		}
		volume := prefix[hi] - prefix[i]
		if volume < a.cfg.MinCascadeUSD {
			continue
		}

		lo := firstAtOrAfter(start.Add(-time.Duration(a.cfg.BaselineWindows) * window))
		at := firstAtOrAfter(start)
		baseline := (prefix[at] - prefix[lo]) / n
		if volume <= a.cfg.CascadeMultiple*baseline {
			continue
		}

		out = append(out, flagged{
			asset:  asset,
			events: evs[i:hi],
			start:  start,
			end:    evs[hi-1].Timestamp,
			ratio:  volume / math.Max(baseline, floor),
		})
	}
	return out
}

func (a *Analyzer) cascadePattern(group []flagged, window time.Duration) model.LiquidationPattern {
	type key struct {
		asset string
		id    string
		ts    int64
		user  string
	}
	seen := make(map[key]bool)
	users := make(map[string]bool)
	assetSet := make(map[string]bool)

	var (
		members  []model.LiquidationEvent
		maxRatio float64
	)
	for _, w := range group {
		assetSet[w.asset] = true
		if w.ratio > maxRatio {
			maxRatio = w.ratio
		}
		for _, ev := range w.events {
			k := key{ev.Asset, ev.ID, ev.Timestamp.UnixNano(), ev.User}
			if seen[k] {
				continue
			}
			seen[k] = true
			members = append(members, ev)
			users[normalizeWallet(ev.User)] = true
		}
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].Timestamp.Before(members[j].Timestamp) })

	start := members[0].Timestamp
	end := members[len(members)-1].Timestamp
	duration := end.Sub(start)

	magnitude := math.Min(60, 60*maxRatio/(2*a.cfg.CascadeMultiple))
	breadth := math.Min(25, 5*float64(len(users)))
	speed := clamp(15*(1-duration.Seconds()/window.Seconds()), 0, 15)

	return a.newPattern(model.PatternCascade, members, sortedKeys(assetSet), len(users), magnitude+breadth+speed)
}

func (a *Analyzer) flashLoans(sorted []model.LiquidationEvent) []model.LiquidationPattern {
	type blockKey struct {
		asset string
		block uint64
	}
	perBlock := make(map[blockKey]int)
	for _, ev := range sorted {
		if ev.Block != 0 {
			perBlock[blockKey{ev.Asset, ev.Block}]++
		}
	}

	var out []model.LiquidationPattern
	for _, ev := range sorted {
		if ev.SizeUSD < a.cfg.FlashMinUSD || ev.PriceImpactPct < a.cfg.FlashImpactPct {
			continue
		}
		score := 40 +
			math.Min(30, 30*(ev.PriceImpactPct/a.cfg.FlashImpactPct-1)) +
			30*math.Min(1, ev.SizeUSD/(4*a.cfg.FlashMinUSD))
		if ev.Block != 0 && perBlock[blockKey{ev.Asset, ev.Block}] > 1 {
			score += 10
		}
		out = append(out, a.newPattern(model.PatternFlashLoan, []model.LiquidationEvent{ev}, []string{ev.Asset}, 1, score))
	}
	return out
}

func (a *Analyzer) newPattern(kind model.PatternType, members []model.LiquidationEvent, assets []string, users int, score float64) model.LiquidationPattern {
	score = clamp(score, 0, 100)
	start := members[0].Timestamp
	end := members[len(members)-1].Timestamp

	var total float64
	ids := make([]string, 0, len(members))
	for _, ev := range members {
		total += ev.SizeUSD
		if ev.ID != "" {
			ids = append(ids, ev.ID)
		}
	}

	subject := strings.Join(assets, ",")
	if len(ids) > 0 {
		subject += "|" + ids[0]
	}

	return model.LiquidationPattern{
		ID:                 model.EventID("liq", string(kind), start, subject),
		Type:               kind,
		Start:              start,
		End:                end,
		DurationSeconds:    end.Sub(start).Seconds(),
		TotalLiquidatedUSD: total,
		AffectedUsers:      users,
		Assets:             assets,
		SuspicionScore:     score,
		Severity:           severityFor(score),
		LiquidationIDs:     ids,
	}
}

// ToEvent renders a pattern as a security event.
func ToEvent(p model.LiquidationPattern) model.SecurityEvent {
	action := "Review the liquidated positions and the order book depth around the window."
	if p.Type == model.PatternFlashLoan {
		action = "Trace the funding of the liquidating account and check for same-block borrows."
	}
	return model.SecurityEvent{
		ID:             p.ID,
		Timestamp:      p.End,
		Severity:       p.Severity,
		ThreatType:     threatOf(p.Type),
		Title:          title(p),
		Description:    describe(p),
		AffectedAssets: p.Assets,
		Indicators: map[string]any{
			"pattern_type":         string(p.Type),
			"duration_seconds":     p.DurationSeconds,
			"total_liquidated_usd": p.TotalLiquidatedUSD,
			"affected_users":       p.AffectedUsers,
			"assets":               p.Assets,
			"suspicion_score":      p.SuspicionScore,
			"liquidation_count":    len(p.LiquidationIDs),
		},
		RecommendedAction: action,
		Source:            Source,
	}
}

func title(p model.LiquidationPattern) string {
	switch p.Type {
	case model.PatternFlashLoan:
		return fmt.Sprintf("Flash-loan-assisted liquidation on %s: $%s", strings.Join(p.Assets, ", "), usd(p.TotalLiquidatedUSD))
	default:
		return fmt.Sprintf("Liquidation cascade across %s: $%s", strings.Join(p.Assets, ", "), usd(p.TotalLiquidatedUSD))
	}
}

func describe(p model.LiquidationPattern) string {
	return fmt.Sprintf("%s liquidated $%s from %d accounts on %s over %.0fs. Suspicion score %.0f/100.",
		p.Type, usd(p.TotalLiquidatedUSD), p.AffectedUsers, strings.Join(p.Assets, ", "), p.DurationSeconds, p.SuspicionScore)
}

func threatOf(t model.PatternType) model.ThreatType {
	if t == model.PatternFlashLoan {
		return model.ThreatFlashLoan
	}
	return model.ThreatLiquidationCascade
}

func severityFor(score float64) model.Severity {
	switch {
	case score >= 80:
		return model.SeverityCritical
	case score >= 60:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// normalizeWallet lowercases EVM addresses so checksum variants count once.
func normalizeWallet(user string) string {
	u := strings.TrimSpace(user)
	if common.IsHexAddress(u) {
		return strings.ToLower(common.HexToAddress(u).Hex())
	}
	return u
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func usd(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}
