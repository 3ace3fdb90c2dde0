// Package vault tracks the health of one exchange vault: PnL windows, Sharpe
// ratio, drawdown and an anomaly score, emitting security events when losses
// or statistical outliers cross configured thresholds.
package vault

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hl-sentinel/internal/feeds"
	"hl-sentinel/internal/history"
	"hl-sentinel/internal/model"
)

// Source is the analyzer name stamped on events and exploits.
const Source = "hlp_vault_monitor"

// Event kinds, as passed to LastAlert.
const (
	KindLargeLoss   = "large_loss"
	KindDrawdown    = "drawdown"
	KindStatistical = "statistical_anomaly"
)

const (
	volatilityWindow = 10
	zScoreWindow     = 100
	extremeSigma     = 4.0
	unhealthyScore   = 70.0
)

// PortfolioSource returns the account value series of a vault.
type PortfolioSource interface {
	VaultPortfolio(ctx context.Context, vaultAddress string) ([]feeds.PortfolioPoint, error)
}

// Config holds the tracked vault and detection thresholds.
type Config struct {
	Address             string
	AppURL              string
	HistoryCap          int
	CriticalLossUSD     float64
	HighLossUSD         float64
	DrawdownCriticalPct float64
	SigmaThreshold      float64
	AlertCooldown       time.Duration
}

func (c Config) withDefaults() Config {
	if c.CriticalLossUSD <= 0 {
		c.CriticalLossUSD = 2_000_000
	}
	if c.HighLossUSD <= 0 {
		c.HighLossUSD = 1_000_000
	}
	if c.DrawdownCriticalPct <= 0 {
		c.DrawdownCriticalPct = 10
	}
	if c.SigmaThreshold <= 0 {
		c.SigmaThreshold = 3
	}
	if c.AppURL == "" {
		c.AppURL = "https://app.hyperliquid.xyz"
	}
	return c
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor owns the snapshot history of one vault.
type Monitor struct {
	cfg    Config
	source PortfolioSource
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	history   *history.Ring[model.VaultSnapshot]
	lastAlert map[string]time.Time
}

// NewMonitor constructs a vault monitor.
func NewMonitor(cfg Config, source PortfolioSource, logger zerolog.Logger, opts ...Option) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:       cfg,
		source:    source,
		logger:    logger.With().Str("component", "vault_monitor").Str("vault", cfg.Address).Logger(),
		now:       time.Now,
		history:   history.NewRing[model.VaultSnapshot](cfg.HistoryCap),
		lastAlert: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Poll fetches the portfolio, builds a snapshot and evaluates every rule.
// On failure nothing is appended and the previous state is kept.
func (m *Monitor) Poll(ctx context.Context) (model.VaultSnapshot, []model.SecurityEvent, error) {
	points, err := m.source.VaultPortfolio(ctx, m.cfg.Address)
	if err != nil {
		return model.VaultSnapshot{}, nil, fmt.Errorf("poll vault %s: %w", m.cfg.Address, err)
	}

	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.buildSnapshot(points, now)
	prior := m.history.Last(zScoreWindow)
	findings := m.detect(&snap, prior)

	if err := ctx.Err(); err != nil {
		return model.VaultSnapshot{}, nil, err
	}

	m.history.Push(snap)
	events := make([]model.SecurityEvent, 0, len(findings))
	for _, f := range findings {
		m.lastAlert[f.kind] = now
		events = append(events, f.event)
	}

	m.logger.Debug().
		Float64("account_value", snap.AccountValue).
		Float64("pnl_24h", snap.PnL24h).
		Float64("anomaly_score", snap.AnomalyScore).
		Int("events", len(events)).
		Msg("vault snapshot recorded")

	return snap, events, nil
}

// Exploits maps CRITICAL and HIGH events to exploit records.
func (m *Monitor) Exploits(events []model.SecurityEvent) []model.Exploit {
	out := make([]model.Exploit, 0, len(events))
	for _, ev := range events {
		if !ev.Severity.AtLeast(model.SeverityHigh) {
			continue
		}
		amount := decimal.Zero
		if ev.EstimatedLossUSD != nil {
			amount = decimal.NewFromFloat(*ev.EstimatedLossUSD)
		}
		out = append(out, model.Exploit{
			ID:             ev.ID,
			TxHash:         ev.ID,
			Chain:          "Hyperliquid",
			Protocol:       "HLP Vault",
			AmountUSD:      amount,
			Timestamp:      ev.Timestamp,
			Source:         Source,
			SourceURL:      strings.TrimRight(m.cfg.AppURL, "/") + "/vaults/" + m.cfg.Address,
			Category:       string(model.ThreatVaultExploitation),
			Description:    ev.Description,
			RecoveryStatus: "monitoring",
		})
	}
	return out
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (model.VaultSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Newest()
}

// History returns up to n most recent snapshots, oldest first.
func (m *Monitor) History(n int) []model.VaultSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Last(n)
}

// LastAlert reports when an event of the given kind was last emitted.
func (m *Monitor) LastAlert(kind string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.lastAlert[kind]
	return ts, ok
}

// InCooldown reports whether kind fired within the configured cooldown.
// Emission is not suppressed; callers may use it to throttle delivery.
func (m *Monitor) InCooldown(kind string, now time.Time) bool {
	if m.cfg.AlertCooldown <= 0 {
		return false
	}
	last, ok := m.LastAlert(kind)
	return ok && now.Sub(last) < m.cfg.AlertCooldown
}

func (m *Monitor) buildSnapshot(points []feeds.PortfolioPoint, now time.Time) model.VaultSnapshot {
	value := 0.0
	if len(points) > 0 {
		value = points[len(points)-1].Value
	}
	return model.VaultSnapshot{
		Timestamp:      now,
		VaultAddress:   m.cfg.Address,
		AccountValue:   value,
		PnL24h:         pnlOver(points, now, 24*time.Hour),
		PnL7d:          pnlOver(points, now, 7*24*time.Hour),
		PnL30d:         pnlOver(points, now, 30*24*time.Hour),
		SharpeRatio:    sharpeRatio(points),
		MaxDrawdownPct: maxDrawdownPct(points),
		Healthy:        true,
		HealthIssues:   []string{},
	}
}

type finding struct {
	kind  string
	event model.SecurityEvent
}

// detect evaluates the loss, drawdown and z-score rules against the prior
// snapshots and fills in the anomaly score and health flag.
func (m *Monitor) detect(snap *model.VaultSnapshot, prior []model.VaultSnapshot) []finding {
	var findings []finding

	switch {
	case snap.PnL24h < -m.cfg.CriticalLossUSD:
		findings = append(findings, finding{KindLargeLoss, m.largeLossEvent(*snap, model.SeverityCritical)})
	case snap.PnL24h < -m.cfg.HighLossUSD:
		findings = append(findings, finding{KindLargeLoss, m.largeLossEvent(*snap, model.SeverityHigh)})
	}

	if snap.MaxDrawdownPct != nil && *snap.MaxDrawdownPct > m.cfg.DrawdownCriticalPct {
		findings = append(findings, finding{KindDrawdown, m.drawdownEvent(*snap)})
	}

	if len(prior) >= zScoreWindow {
		if ev, ok := m.statisticalEvent(*snap, prior[len(prior)-zScoreWindow:]); ok {
			findings = append(findings, finding{KindStatistical, ev})
		}
	}

	snap.AnomalyScore = m.anomalyScore(*snap, prior)
	if snap.AnomalyScore > unhealthyScore {
		snap.Healthy = false
		snap.HealthIssues = []string{"High anomaly score detected"}
	}
	return findings
}

func (m *Monitor) anomalyScore(snap model.VaultSnapshot, prior []model.VaultSnapshot) float64 {
	score := 0.0

	if snap.PnL24h < 0 {
		score += math.Min(40, 40*math.Abs(snap.PnL24h)/m.cfg.CriticalLossUSD)
	}
	if snap.MaxDrawdownPct != nil {
		score += math.Min(30, 30*(*snap.MaxDrawdownPct/m.cfg.DrawdownCriticalPct))
	}
	if len(prior) >= volatilityWindow {
		recent := prior[len(prior)-volatilityWindow:]
		var sum float64
		for _, s := range recent {
			sum += math.Abs(s.PnL24h)
		}
		if avg := sum / float64(len(recent)); avg > 0 {
			score += math.Min(30, 30*math.Abs(snap.PnL24h)/(2*avg))
		}
	}
	return math.Min(100, math.Max(0, score))
}

func (m *Monitor) largeLossEvent(snap model.VaultSnapshot, severity model.Severity) model.SecurityEvent {
	loss := math.Abs(snap.PnL24h)
	indicators := map[string]any{
		"pnl_24h":       snap.PnL24h,
		"pnl_7d":        snap.PnL7d,
		"account_value": snap.AccountValue,
	}
	if snap.MaxDrawdownPct != nil {
		indicators["max_drawdown"] = *snap.MaxDrawdownPct
	}
	return model.SecurityEvent{
		ID:             model.EventID("hlp", KindLargeLoss, snap.Timestamp, m.cfg.Address),
		Timestamp:      snap.Timestamp,
		Severity:       severity,
		ThreatType:     model.ThreatVaultExploitation,
		Title:          "HLP Vault Large Loss Detected: $" + usd(loss),
		Description: fmt.Sprintf("The HLP vault has lost $%s in the last 24 hours. "+
			"This may indicate exploitation, market manipulation, or extreme market conditions.", usd(loss)),
		AffectedAssets: []string{"HLP"},
		Indicators:     indicators,
		RecommendedAction: "Consider pausing HLP deposits. Investigate recent large liquidations. " +
			"Monitor for coordinated attacks or oracle manipulation.",
		Source:           Source,
		EstimatedLossUSD: &loss,
	}
}

func (m *Monitor) drawdownEvent(snap model.VaultSnapshot) model.SecurityEvent {
	dd := *snap.MaxDrawdownPct
	return model.SecurityEvent{
		ID:             model.EventID("hlp", KindDrawdown, snap.Timestamp, m.cfg.Address),
		Timestamp:      snap.Timestamp,
		Severity:       model.SeverityHigh,
		ThreatType:     model.ThreatVaultExploitation,
		Title:          fmt.Sprintf("HLP Vault Excessive Drawdown: %.1f%%", dd),
		Description:    fmt.Sprintf("The HLP vault is %.1f%% below its peak, beyond normal operating parameters.", dd),
		AffectedAssets: []string{"HLP"},
		Indicators: map[string]any{
			"max_drawdown_pct": dd,
			"account_value":    snap.AccountValue,
			"pnl_24h":          snap.PnL24h,
		},
		RecommendedAction: "Review recent market making activity and liquidations. Reduce exposure if the drawdown grows.",
		Source:            Source,
	}
}

func (m *Monitor) statisticalEvent(snap model.VaultSnapshot, window []model.VaultSnapshot) (model.SecurityEvent, bool) {
	pnls := make([]float64, len(window))
	for i, s := range window {
		pnls[i] = s.PnL24h
	}
	mean, std := meanStd(pnls, false)
	if std == 0 {
		return model.SecurityEvent{}, false
	}

	z := (snap.PnL24h - mean) / std
	if math.Abs(z) <= m.cfg.SigmaThreshold {
		return model.SecurityEvent{}, false
	}

	severity := model.SeverityMedium
	if math.Abs(z) > extremeSigma {
		severity = model.SeverityHigh
	}

	return model.SecurityEvent{
		ID:             model.EventID("hlp", KindStatistical, snap.Timestamp, m.cfg.Address),
		Timestamp:      snap.Timestamp,
		Severity:       severity,
		ThreatType:     model.ThreatVaultExploitation,
		Title:          fmt.Sprintf("HLP Vault Statistical Anomaly: %.1fσ deviation", math.Abs(z)),
		Description: fmt.Sprintf("The HLP vault's 24h PnL ($%s) is %.1f standard deviations from its recent mean.",
			usd(snap.PnL24h), math.Abs(z)),
		AffectedAssets: []string{"HLP"},
		Indicators: map[string]any{
			"z_score":  z,
			"pnl_24h":  snap.PnL24h,
			"mean_pnl": mean,
			"std_pnl":  std,
		},
		RecommendedAction: "Investigate cause of unusual PnL. Review recent liquidations and trades.",
		Source:            Source,
	}, true
}

func usd(v float64) string {
	return humanize.Comma(int64(math.Round(v)))
}
