// Package exploits merges analyzer output into one deduplicated exploit list
// and answers the query layer's filters, statistics and event views.
package exploits

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hl-sentinel/internal/model"
)

// Merge concatenates the sources in order, assigns each record its stable id
// and keeps the first occurrence of every id. The result is sorted newest
// first; records without a timestamp go last.
func Merge(sources ...[]model.Exploit) []model.Exploit {
	seen := make(map[string]struct{})
	out := make([]model.Exploit, 0)
	for _, src := range sources {
		for _, e := range src {
			e.ID = model.ExploitID(e)
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out
}

// Query filters the merged list. Zero values disable a filter.
type Query struct {
	Limit        int
	Chain        string
	MinAmountUSD decimal.Decimal
	Days         int
}

// Filter applies chain, minimum amount and age filters, sorts newest first
// and truncates to the limit. Records without a timestamp never pass an age
// filter.
func Filter(list []model.Exploit, q Query, now time.Time) []model.Exploit {
	chain := strings.TrimSpace(q.Chain)
	var cutoff time.Time
	if q.Days > 0 {
		cutoff = now.Add(-time.Duration(q.Days) * 24 * time.Hour)
	}

	out := make([]model.Exploit, 0, len(list))
	for _, e := range list {
		if chain != "" && !strings.EqualFold(e.Chain, chain) {
			continue
		}
		if e.AmountUSD.LessThan(q.MinAmountUSD) {
			continue
		}
		if !cutoff.IsZero() && (!e.HasTimestamp() || e.Timestamp.Before(cutoff)) {
			continue
		}
		out = append(out, e)
	}

	sortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Bucket aggregates a group of exploits.
type Bucket struct {
	Count    int     `json:"count"`
	TotalUSD float64 `json:"total_usd"`
}

// Stats summarises the merged list.
type Stats struct {
	TotalExploits int               `json:"total_exploits"`
	TotalLossUSD  float64           `json:"total_loss_usd"`
	ByChain       map[string]Bucket `json:"by_chain"`
	BySource      map[string]Bucket `json:"by_source"`
	LastUpdated   *time.Time        `json:"last_updated"`
}

// Summarize computes Stats with exact decimal totals.
func Summarize(list []model.Exploit, lastUpdated time.Time) Stats {
	total := decimal.Zero
	chains := make(map[string]decimal.Decimal)
	sources := make(map[string]decimal.Decimal)
	chainCount := make(map[string]int)
	sourceCount := make(map[string]int)

	for _, e := range list {
		total = total.Add(e.AmountUSD)
		chains[e.Chain] = chains[e.Chain].Add(e.AmountUSD)
		sources[e.Source] = sources[e.Source].Add(e.AmountUSD)
		chainCount[e.Chain]++
		sourceCount[e.Source]++
	}

	st := Stats{
		TotalExploits: len(list),
		TotalLossUSD:  total.InexactFloat64(),
		ByChain:       make(map[string]Bucket, len(chains)),
		BySource:      make(map[string]Bucket, len(sources)),
	}
	for k, v := range chains {
		st.ByChain[k] = Bucket{Count: chainCount[k], TotalUSD: v.InexactFloat64()}
	}
	for k, v := range sources {
		st.BySource[k] = Bucket{Count: sourceCount[k], TotalUSD: v.InexactFloat64()}
	}
	if !lastUpdated.IsZero() {
		ts := lastUpdated.UTC()
		st.LastUpdated = &ts
	}
	return st
}

var (
	criticalAmount = decimal.NewFromInt(5_000_000)
	highAmount     = decimal.NewFromInt(1_000_000)
)

// SeverityFor re-derives a severity from an exploit's amount and category.
func SeverityFor(amount decimal.Decimal, category string) model.Severity {
	c := strings.ToLower(category)
	switch {
	case amount.GreaterThan(criticalAmount) || strings.Contains(c, "critical"):
		return model.SeverityCritical
	case amount.GreaterThan(highAmount) || strings.Contains(c, "high"):
		return model.SeverityHigh
	case strings.Contains(c, "manipulation") || strings.Contains(c, "oracle"):
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// DeriveEvents renders exploits as event-shaped records.
func DeriveEvents(list []model.Exploit) []model.SecurityEvent {
	out := make([]model.SecurityEvent, 0, len(list))
	for _, e := range list {
		amount := e.AmountUSD.InexactFloat64()
		ev := model.SecurityEvent{
			ID:             e.ID,
			Timestamp:      e.Timestamp,
			Severity:       SeverityFor(e.AmountUSD, e.Category),
			ThreatType:     model.ThreatType(e.Category),
			Title:          e.Protocol + ": " + e.Category,
			Description:    e.Description,
			AffectedAssets: []string{e.Protocol},
			Indicators: map[string]any{
				"chain":           e.Chain,
				"amount_usd":      amount,
				"recovery_status": e.RecoveryStatus,
				"source_url":      e.SourceURL,
			},
			RecommendedAction: "Review the source record and confirm exposure.",
			Source:            e.Source,
		}
		if !e.AmountUSD.IsZero() {
			ev.EstimatedLossUSD = &amount
		}
		out = append(out, ev)
	}
	return out
}

func sortNewestFirst(list []model.Exploit) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.HasTimestamp() != b.HasTimestamp() {
			return a.HasTimestamp()
		}
		return a.Timestamp.After(b.Timestamp)
	})
}
