package models

import (
	"encoding/json"
	"time"
)

// EntityKind identifies which real-world category an entity belongs to
type EntityKind string

const (
	EntityKindPerson EntityKind = "person"
	EntityKindAnimal EntityKind = "animal"
	EntityKindPlace  EntityKind = "place"
)

// Valid returns true if the kind is one of the known entity kinds
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindPerson, EntityKindAnimal, EntityKindPlace:
		return true
	}
	return false
}

// Entity is a canonical record (or a tombstone pointing at one).
// A row with merged_into set is a tombstone; reads must follow the
// pointer chain to the surviving canonical record.
type Entity struct {
	ID          string          `json:"id" db:"id"`
	Kind        EntityKind      `json:"kind" db:"kind"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Data        json.RawMessage `json:"data" db:"data"`
	DataQuality *float64        `json:"data_quality,omitempty" db:"data_quality"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
	VerifiedBy  *string         `json:"verified_by,omitempty" db:"verified_by"`
	MergedInto  *string         `json:"merged_into,omitempty" db:"merged_into"`
	MergedAt    *time.Time      `json:"merged_at,omitempty" db:"merged_at"`
	MergeReason *string         `json:"merge_reason,omitempty" db:"merge_reason"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// IsCanonical returns true if the entity has not been merged away
func (e *Entity) IsCanonical() bool {
	return e.MergedInto == nil
}

// IsVerified returns true if a staff member has confirmed the record
func (e *Entity) IsVerified() bool {
	return e.VerifiedAt != nil
}

// EntityResponse is the canonical read shape returned by the API
type EntityResponse struct {
	Entity      Entity       `json:"entity"`
	CanonicalID string       `json:"canonical_id"`
	Identifiers []Identifier `json:"identifiers,omitempty"`
}
