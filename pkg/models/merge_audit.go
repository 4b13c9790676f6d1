package models

import (
	"encoding/json"
	"time"
)

// MergeStatus describes the outcome of a merge request
type MergeStatus string

const (
	// MergeStatusMerged means the remove entity was tombstoned into keep
	MergeStatusMerged MergeStatus = "merged"
	// MergeStatusAlreadyMerged means both ids already resolve to the same
	// canonical record; nothing was changed
	MergeStatusAlreadyMerged MergeStatus = "already_merged"
)

// FieldDiff records one scalar field where keep and remove disagreed.
// The kept value wins; the dropped value survives only in the audit row.
type FieldDiff struct {
	Field        string `json:"field"`
	KeptValue    any    `json:"kept_value"`
	DroppedValue any    `json:"dropped_value"`
}

// MergeAudit is an immutable record of one merge operation. Rows are
// append-only; chain flattening and path compression never touch them.
type MergeAudit struct {
	ID              string          `json:"id" db:"id"`
	Kind            EntityKind      `json:"kind" db:"kind"`
	KeepID          string          `json:"keep_id" db:"keep_id"`
	RemoveID        string          `json:"remove_id" db:"remove_id"`
	Reason          string          `json:"reason" db:"reason"`
	Actor           string          `json:"actor" db:"actor"`
	RemovedSnapshot json.RawMessage `json:"removed_snapshot" db:"removed_snapshot"`
	FieldDiffs      json.RawMessage `json:"field_diffs,omitempty" db:"field_diffs"`
	MergedAt        time.Time       `json:"merged_at" db:"merged_at"`
}

// MergeRequest is the API request to merge two entities
type MergeRequest struct {
	Kind     EntityKind `json:"kind" validate:"required,oneof=person animal place"`
	KeepID   string     `json:"keep_id" validate:"required,uuid"`
	RemoveID string     `json:"remove_id" validate:"required,uuid"`
	Reason   string     `json:"reason" validate:"required"`
}

// MergeOutcome is returned to callers after a merge attempt
type MergeOutcome struct {
	Status      MergeStatus `json:"status"`
	CanonicalID string      `json:"canonical_id"`
	Diffs       []FieldDiff `json:"diffs,omitempty"`
}
