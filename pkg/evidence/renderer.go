// Package evidence renders committed ledger entries into forensic document
// artifacts. Rendering happens after the append has succeeded; a render
// failure never invalidates the ledger.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"apexsentinel/pkg/ledger"
)

// Renderer writes evidence documents under a base directory, partitioned by
// session metadata (year/event/subject) when present.
type Renderer struct {
	dir string
}

// NewRenderer creates the evidence base directory.
func NewRenderer(dir string) (*Renderer, error) {
	if dir == "" {
		return nil, fmt.Errorf("evidence dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir evidence dir: %w", err)
	}
	return &Renderer{dir: dir}, nil
}

type indicator struct {
	Channel   string  `json:"channel"`
	Deviation float64 `json:"deviation"`
	RawValue  float64 `json:"raw_value"`
}

type document struct {
	Title         string            `json:"title"`
	EventID       string            `json:"event_id"`
	Timestamp     string            `json:"timestamp"`
	Session       map[string]string `json:"session,omitempty"`
	EventType     string            `json:"event_type"`
	Severity      string            `json:"severity"`
	SequenceError float64           `json:"sequence_error"`
	Threshold     float64           `json:"threshold"`
	Indicators    []indicator       `json:"primary_indicators"`
	IntegrityHash string            `json:"integrity_hash"`
	PreviousHash  string            `json:"previous_hash"`
}

func metaOr(meta map[string]string, key, def string) string {
	if v, ok := meta[key]; ok && v != "" {
		return v
	}
	return def
}

// Render writes the structured evidence document for one ledger entry and
// returns the artifact path (relative to the base dir) and its sha256 digest.
func (r *Renderer) Render(entry ledger.Entry) (string, string, error) {
	indicators := make([]indicator, 0, len(entry.Event.TopChannels))
	for _, ce := range entry.Event.TopChannels {
		indicators = append(indicators, indicator{
			Channel:   string(ce.Channel),
			Deviation: ce.Error,
			RawValue:  entry.Event.RawSnapshot[ce.Channel],
		})
	}
	doc := document{
		Title:         "Cyber-Physical Integrity Monitor: Evidence Record",
		EventID:       entry.ID,
		Timestamp:     entry.Timestamp,
		Session:       entry.Metadata,
		EventType:     string(entry.Event.Type),
		Severity:      string(entry.Event.Severity),
		SequenceError: entry.Event.SequenceError,
		Threshold:     entry.Event.Threshold,
		Indicators:    indicators,
		IntegrityHash: entry.IntegrityHash,
		PreviousHash:  entry.PreviousHash,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal evidence: %w", err)
	}

	rel := filepath.Join(
		metaOr(entry.Metadata, "year", "unknown"),
		metaOr(entry.Metadata, "event", "unknown"),
		metaOr(entry.Metadata, "subject", "unknown"),
		entry.ID+"_evidence.json",
	)
	full := filepath.Join(r.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir evidence path: %w", err)
	}
	if err := os.WriteFile(full, raw, 0o600); err != nil {
		return "", "", fmt.Errorf("write evidence: %w", err)
	}
	sum := sha256.Sum256(raw)
	return rel, hex.EncodeToString(sum[:]), nil
}
