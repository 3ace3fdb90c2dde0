package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// descriptionPrefixRunes bounds how much of a description feeds the derived id.
const descriptionPrefixRunes = 100

// EventID derives a stable identifier from the kind of detection, its instant
// and its subject. The same inputs always give the same id.
func EventID(prefix, kind string, ts time.Time, subject string) string {
	data := kind + "_" + ts.UTC().Format(time.RFC3339Nano) + "_" + subject
	sum := sha256.Sum256([]byte(data))
	return prefix + "-" + hex.EncodeToString(sum[:])[:16]
}

// ExploitID returns the natural transaction id when present, otherwise a hash of
// (source, timestamp, amount, description prefix, category, protocol).
func ExploitID(e Exploit) string {
	if tx := strings.TrimSpace(e.TxHash); tx != "" {
		return tx
	}

	ts := ""
	if e.HasTimestamp() {
		ts = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	parts := []string{
		e.Source,
		ts,
		e.AmountUSD.String(),
		truncateRunes(e.Description, descriptionPrefixRunes),
		e.Category,
		e.Protocol,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "exp-" + hex.EncodeToString(sum[:16])
}

func truncateRunes(v string, n int) string {
	runes := []rune(v)
	if len(runes) <= n {
		return v
	}
	return string(runes[:n])
}
