package model

import (
	"errors"
	"strings"
	"time"
)

// ErrInsufficientData marks a derived metric that cannot be computed yet.
var ErrInsufficientData = errors.New("insufficient data")

// Severity classifies a detection. Values are totally ordered via Rank.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from info (0) to critical (4). Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	case SeverityInfo:
		return 0
	default:
		return -1
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity accepts any casing of a known severity.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() < 0 {
		return "", false
	}
	return s, true
}

// ThreatType tags what kind of attack a detection points at.
type ThreatType string

const (
	ThreatVaultExploitation  ThreatType = "vault_exploitation"
	ThreatOracleManipulation ThreatType = "oracle_manipulation"
	ThreatLiquidationCascade ThreatType = "liquidation_cascade"
	ThreatFlashLoan          ThreatType = "flash_loan_attack"
	ThreatLargeLiquidation   ThreatType = "large_liquidation"
)

// VaultSnapshot is the state of the tracked vault at one poll.
type VaultSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	VaultAddress   string    `json:"vault_address"`
	AccountValue   float64   `json:"account_value"`
	PnL24h         float64   `json:"pnl_24h"`
	PnL7d          float64   `json:"pnl_7d"`
	PnL30d         float64   `json:"pnl_30d"`
	SharpeRatio    *float64  `json:"sharpe_ratio,omitempty"`
	MaxDrawdownPct *float64  `json:"max_drawdown_pct,omitempty"`
	AnomalyScore   float64   `json:"anomaly_score"`
	Healthy        bool      `json:"is_healthy"`
	HealthIssues   []string  `json:"health_issues"`
}

// OracleDeviation is one asset's price agreement at an instant.
type OracleDeviation struct {
	Timestamp       time.Time `json:"timestamp"`
	Asset           string    `json:"asset"`
	ExchangePrice   float64   `json:"hyperliquid_price"`
	BinancePrice    *float64  `json:"binance_price,omitempty"`
	CoinbasePrice   *float64  `json:"coinbase_price,omitempty"`
	MaxDeviationPct float64   `json:"max_deviation_pct"`
	DurationSeconds float64   `json:"duration_seconds"`
	OnsetAt         time.Time `json:"onset_at"`
	Dangerous       bool      `json:"is_dangerous"`
	RiskScore       float64   `json:"risk_score"`
}

// SecurityEvent is a classified detection emitted by an analyzer.
type SecurityEvent struct {
	ID                string         `json:"event_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Severity          Severity       `json:"severity"`
	ThreatType        ThreatType     `json:"threat_type"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	AffectedAssets    []string       `json:"affected_assets"`
	Indicators        map[string]any `json:"indicators"`
	RecommendedAction string         `json:"recommended_action"`
	Source            string         `json:"source"`
	EstimatedLossUSD  *float64       `json:"estimated_loss_usd,omitempty"`
}

// LiquidationEvent is one forced close observed on the exchange.
type LiquidationEvent struct {
	ID             string    `json:"liquidation_id"`
	Timestamp      time.Time `json:"timestamp"`
	User           string    `json:"user"`
	Asset          string    `json:"asset"`
	Side           string    `json:"side,omitempty"`
	SizeUSD        float64   `json:"amount_usd"`
	Price          float64   `json:"price,omitempty"`
	Block          uint64    `json:"block,omitempty"`
	PriceImpactPct float64   `json:"price_impact_pct,omitempty"`
}

// PatternType names a liquidation pattern.
type PatternType string

const (
	PatternCascade   PatternType = "cascade"
	PatternFlashLoan PatternType = "flash_loan_assisted"
)

// LiquidationPattern summarises a suspicious group of liquidations.
type LiquidationPattern struct {
	ID                 string      `json:"pattern_id"`
	Type               PatternType `json:"pattern_type"`
	Start              time.Time   `json:"start"`
	End                time.Time   `json:"end"`
	DurationSeconds    float64     `json:"duration_seconds"`
	TotalLiquidatedUSD float64     `json:"total_liquidated_usd"`
	AffectedUsers      int         `json:"affected_users"`
	Assets             []string    `json:"assets"`
	SuspicionScore     float64     `json:"suspicion_score"`
	Severity           Severity    `json:"severity"`
	LiquidationIDs     []string    `json:"liquidation_ids"`
}
