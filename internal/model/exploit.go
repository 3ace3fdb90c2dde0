package model

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Exploit is the normalized, cross-source record served to the query layer.
// TxHash carries the natural transaction identifier when the source has one.
type Exploit struct {
	ID             string
	TxHash         string
	Chain          string
	Protocol       string
	AmountUSD      decimal.Decimal
	Timestamp      time.Time
	Source         string
	SourceURL      string
	Category       string
	Description    string
	RecoveryStatus string
}

// HasTimestamp reports whether the record can take part in date-filtered views.
func (e Exploit) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

type exploitWire struct {
	ID             string     `json:"id"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Chain          string     `json:"chain"`
	Protocol       string     `json:"protocol"`
	AmountUSD      float64    `json:"amount_usd"`
	Timestamp      *time.Time `json:"timestamp"`
	Source         string     `json:"source"`
	SourceURL      string     `json:"source_url"`
	Category       string     `json:"category"`
	Description    string     `json:"description"`
	RecoveryStatus string     `json:"recovery_status"`
}

// MarshalJSON renders the external contract: amount_usd as a JSON number and
// a null timestamp when unknown.
func (e Exploit) MarshalJSON() ([]byte, error) {
	w := exploitWire{
		ID:             e.ID,
		TxHash:         e.TxHash,
		Chain:          e.Chain,
		Protocol:       e.Protocol,
		AmountUSD:      e.AmountUSD.InexactFloat64(),
		Source:         e.Source,
		SourceURL:      e.SourceURL,
		Category:       e.Category,
		Description:    e.Description,
		RecoveryStatus: e.RecoveryStatus,
	}
	if e.HasTimestamp() {
		ts := e.Timestamp.UTC()
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the same shape MarshalJSON produces.
func (e *Exploit) UnmarshalJSON(data []byte) error {
	var w exploitWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Exploit{
		ID:             w.ID,
		TxHash:         w.TxHash,
		Chain:          w.Chain,
		Protocol:       w.Protocol,
		AmountUSD:      decimal.NewFromFloat(w.AmountUSD),
		Source:         w.Source,
		SourceURL:      w.SourceURL,
		Category:       w.Category,
		Description:    w.Description,
		RecoveryStatus: w.RecoveryStatus,
	}
	if w.Timestamp != nil {
		e.Timestamp = w.Timestamp.UTC()
	}
	return nil
}
