package oracle

import (
	"math"

	"hl-sentinel/internal/model"
)

// Thresholds are the deviation bands, in percent, and the sustain time in
// seconds that make a deviation dangerous.
type Thresholds struct {
	WarningPct       float64
	DangerPct        float64
	CriticalPct      float64
	SustainedSeconds float64
}

// DefaultThresholds returns 0.3% / 0.5% / 1.0% sustained for 30s.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningPct: 0.3, DangerPct: 0.5, CriticalPct: 1.0, SustainedSeconds: 30}
}

// RiskScore combines deviation magnitude (up to 60) and sustained duration
// (up to 40) into a 0-100 score. It is non-decreasing in both arguments.
func (t Thresholds) RiskScore(deviationPct, durationSec float64) float64 {
	deviationPct = math.Max(0, deviationPct)
	durationSec = math.Max(0, durationSec)

	var magnitude float64
	switch {
	case deviationPct >= t.CriticalPct:
		magnitude = 60
	case deviationPct >= t.DangerPct:
		magnitude = 40
	default:
		magnitude = math.Min(40, deviationPct/t.WarningPct*20)
	}

	var duration float64
	switch {
	case durationSec >= 300:
		duration = 40
	case durationSec >= 60:
		duration = 30
	case durationSec >= t.SustainedSeconds:
		duration = 20
	default:
		duration = math.Min(20, durationSec/t.SustainedSeconds*10)
	}

	return math.Min(100, magnitude+duration)
}

// Severity bands a deviation percentage.
func (t Thresholds) Severity(deviationPct float64) model.Severity {
	switch {
	case deviationPct >= t.CriticalPct:
		return model.SeverityCritical
	case deviationPct >= t.DangerPct:
		return model.SeverityHigh
	case deviationPct >= t.WarningPct:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// deviationPct is |exchange-external|/external in percent.
func deviationPct(exchange, external float64) float64 {
	return math.Abs(exchange-external) / external * 100
}
