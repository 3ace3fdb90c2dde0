package storage

import (
	"time"

	"hl-sentinel/internal/exploits"
	"hl-sentinel/internal/model"
	"hl-sentinel/internal/risk"
)

// Read model document names. Each is stored under <prefix><name>.
const (
	DocExploits   = "exploits"
	DocStats      = "stats"
	DocVault      = "vault_health"
	DocDeviations = "active_deviations"
	DocRisk       = "risk"
	DocEvents     = "security_events"
)

// ReadModel is the state published after every poll cycle.
type ReadModel struct {
	GeneratedAt      time.Time               `json:"generated_at"`
	Exploits         []model.Exploit         `json:"exploits"`
	Stats            exploits.Stats          `json:"stats"`
	Vault            *model.VaultSnapshot    `json:"vault_health"`
	ActiveDeviations []model.OracleDeviation `json:"active_deviations"`
	Events           []model.SecurityEvent   `json:"security_events"`
	Risk             risk.Assessment         `json:"risk"`
}

func (rm ReadModel) documents() map[string]any {
	return map[string]any{
		DocExploits:   rm.Exploits,
		DocStats:      rm.Stats,
		DocVault:      rm.Vault,
		DocDeviations: rm.ActiveDeviations,
		DocRisk:       rm.Risk,
		DocEvents:     rm.Events,
	}
}
