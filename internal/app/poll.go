package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"hl-sentinel/internal/exploits"
	"hl-sentinel/internal/model"
	"hl-sentinel/internal/risk"
	"hl-sentinel/internal/service"
)

// PollReport is the JSON document printed by the poll command.
type PollReport struct {
	GeneratedAt      time.Time               `json:"generated_at"`
	Detectors        []string                `json:"detectors"`
	Risk             risk.Assessment         `json:"risk"`
	VaultHealth      *model.VaultSnapshot    `json:"vault_health"`
	ActiveDeviations []model.OracleDeviation `json:"active_deviations"`
	Stats            exploits.Stats          `json:"stats"`
	SecurityEvents   []model.SecurityEvent   `json:"security_events"`
	Exploits         []model.Exploit         `json:"exploits"`
}

// PollOnce runs a single detection cycle and writes the resulting report.
func (a *App) PollOnce(ctx context.Context, w io.Writer, opts PollOptions) error {
	engine, closeEngine, err := a.buildEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := engine.PollCycle(ctx); err != nil {
		return err
	}

	report, err := buildReport(ctx, engine, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

func buildReport(ctx context.Context, engine *service.Engine, opts PollOptions) (PollReport, error) {
	report := PollReport{
		GeneratedAt:      time.Now().UTC(),
		Detectors:        engine.Detectors(),
		VaultHealth:      engine.VaultHealth(),
		ActiveDeviations: engine.ActiveDeviations(),
	}

	list, err := engine.Exploits(ctx, exploits.Query{Limit: opts.ExploitLimit})
	if err != nil && !errors.Is(err, exploits.ErrNoData) {
		return PollReport{}, err
	}
	report.Exploits = nonNilExploits(list)

	if report.Stats, err = engine.Stats(ctx); err != nil && !errors.Is(err, exploits.ErrNoData) {
		return PollReport{}, err
	}

	if report.SecurityEvents, err = engine.SecurityEvents(ctx, opts.Severity, opts.EventLimit); err != nil {
		return PollReport{}, err
	}

	if report.Risk, err = engine.OverallRisk(ctx); err != nil {
		return PollReport{}, err
	}
	return report, nil
}

func nonNilExploits(list []model.Exploit) []model.Exploit {
	if list == nil {
		return []model.Exploit{}
	}
	return list
}
