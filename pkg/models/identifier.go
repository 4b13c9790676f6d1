package models

import "time"

// IdentifierType names an indexable identifier class. Precedence is fixed:
// when candidates disagree, the highest-priority identifier type wins and a
// discrepancy is recorded.
type IdentifierType string

const (
	IdentifierTypeMicrochip         IdentifierType = "microchip"
	IdentifierTypeExternalSystemID  IdentifierType = "external_system_id"
	IdentifierTypeEmail             IdentifierType = "email"
	IdentifierTypePhone             IdentifierType = "phone"
	IdentifierTypeNormalizedAddress IdentifierType = "normalized_address"
)

var identifierPriorities = map[IdentifierType]int{
	IdentifierTypeMicrochip:         100,
	IdentifierTypeExternalSystemID:  90,
	IdentifierTypeEmail:             80,
	IdentifierTypePhone:             60,
	IdentifierTypeNormalizedAddress: 40,
}

// Priority returns the precedence weight for conflict resolution.
// Unknown types rank below every known type.
func (t IdentifierType) Priority() int {
	return identifierPriorities[t]
}

// HighTrust returns true for identifier types unique enough that a concurrent
// insert collision means both writers saw the same real-world entity. Only
// these types carry a uniqueness constraint in the index; low-trust types
// (a household phone, a shared address) may legitimately belong to several
// entities at once.
func (t IdentifierType) HighTrust() bool {
	switch t {
	case IdentifierTypeMicrochip, IdentifierTypeExternalSystemID, IdentifierTypeEmail:
		return true
	}
	return false
}

// DefaultConfidence is how strongly an identifier of this type, on its own,
// ties a record to an entity. Shared low-trust identifiers carry their
// reduced weight here.
func (t IdentifierType) DefaultConfidence() float64 {
	return float64(t.Priority()) / 100
}

// Identifier is one row in the identifier index. NormalizedValue is the
// lookup key; RawValue preserves what the source actually sent.
type Identifier struct {
	ID              string         `json:"id" db:"id"`
	EntityID        string         `json:"entity_id" db:"entity_id"`
	IDType          IdentifierType `json:"id_type" db:"id_type"`
	NormalizedValue string         `json:"normalized_value" db:"normalized_value"`
	RawValue        string         `json:"raw_value" db:"raw_value"`
	SourceSystem    *string        `json:"source_system,omitempty" db:"source_system"`
	Confidence      float64        `json:"confidence" db:"confidence"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}
