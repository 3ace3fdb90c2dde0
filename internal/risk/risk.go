// Package risk folds vault health, oracle deviations and recent exploits into
// a single ecosystem risk score.
package risk

import (
	"math"
	"time"

	"hl-sentinel/internal/model"
)

// Level is the banded form of a score.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
)

const recentWindow = 24 * time.Hour

// Assessment is the score and its level.
type Assessment struct {
	Score float64 `json:"score"`
	Level Level   `json:"level"`
}

// Score is anomaly×0.4 + max deviation risk×0.3 + 10 per exploit in the 24h
// before now (at most 30), clamped to [0,100]. vault may be nil.
func Score(vault *model.VaultSnapshot, deviations []model.OracleDeviation, recent []model.Exploit, now time.Time) float64 {
	var score float64
	if vault != nil {
		score += vault.AnomalyScore * 0.4
	}

	var maxRisk float64
	for _, d := range deviations {
		maxRisk = math.Max(maxRisk, d.RiskScore)
	}
	score += maxRisk * 0.3

	cutoff := now.Add(-recentWindow)
	count := 0
	for _, e := range recent {
		if e.HasTimestamp() && !e.Timestamp.Before(cutoff) && !e.Timestamp.After(now) {
			count++
		}
	}
	score += math.Min(30, 10*float64(count))

	return math.Max(0, math.Min(100, score))
}

// LevelFor bands a score.
func LevelFor(score float64) Level {
	switch {
	case score >= 70:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Assess scores and bands in one call.
func Assess(vault *model.VaultSnapshot, deviations []model.OracleDeviation, recent []model.Exploit, now time.Time) Assessment {
	s := Score(vault, deviations, recent, now)
	return Assessment{Score: s, Level: LevelFor(s)}
}
