package models

import (
	"encoding/json"
	"time"
)

// Discrepancy records an identifier conflict found during resolution: two or
// more supplied identifiers pointed at different canonical entities. The
// resolver picks a best guess by identifier precedence and leaves the
// conflict here for manual review. It never auto-merges.
type Discrepancy struct {
	ID             string          `json:"id" db:"id"`
	Kind           EntityKind      `json:"kind" db:"kind"`
	ChosenEntityID string          `json:"chosen_entity_id" db:"chosen_entity_id"`
	Candidates     json.RawMessage `json:"candidates" db:"candidates"`
	SourceSystem   string          `json:"source_system" db:"source_system"`
	SourceRecordID string          `json:"source_record_id" db:"source_record_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy     *string         `json:"resolved_by,omitempty" db:"resolved_by"`
}

// DiscrepancyCandidate is one conflicting identifier hit, serialized into
// the candidates column
type DiscrepancyCandidate struct {
	IDType      IdentifierType `json:"id_type"`
	Value       string         `json:"value"`
	EntityID    string         `json:"entity_id"`
	CanonicalID string         `json:"canonical_id"`
	Priority    int            `json:"priority"`
}
