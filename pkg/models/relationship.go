package models

import (
	"encoding/json"
	"time"
)

// Confidence grades how strongly the evidence supports a relationship edge
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidence levels so upgrades are monotonic
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// Max returns the higher of two confidence levels
func (c Confidence) Max(other Confidence) Confidence {
	if other.Rank() > c.Rank() {
		return other
	}
	return c
}

// RelationshipOrigin records how an edge came to be asserted
type RelationshipOrigin string

const (
	OriginObserved          RelationshipOrigin = "observed"
	OriginInferredFromVisit RelationshipOrigin = "inferred_from_visit"
	OriginSelfReported      RelationshipOrigin = "self_reported"
)

// BaseConfidence maps origin reliability to an initial confidence level.
// Direct staff observation outranks inference, which outranks self-report.
func (o RelationshipOrigin) BaseConfidence() Confidence {
	switch o {
	case OriginObserved:
		return ConfidenceHigh
	case OriginInferredFromVisit:
		return ConfidenceMedium
	case OriginSelfReported:
		return ConfidenceLow
	}
	return ConfidenceLow
}

// RelationshipEdge links two canonical entities with accumulated evidence.
// Edges are unique on (subject_id, object_id, rel_type); repeated assertions
// merge into the existing row instead of duplicating it.
type RelationshipEdge struct {
	ID               string             `json:"id" db:"id"`
	SubjectID        string             `json:"subject_id" db:"subject_id"`
	ObjectID         string             `json:"object_id" db:"object_id"`
	RelType          string             `json:"rel_type" db:"rel_type"`
	Confidence       Confidence         `json:"confidence" db:"confidence"`
	Origin           RelationshipOrigin `json:"origin" db:"origin"`
	SourceSystem     string             `json:"source_system" db:"source_system"`
	ObservationCount int                `json:"observation_count" db:"observation_count"`
	FirstObservedAt  *time.Time         `json:"first_observed_at,omitempty" db:"first_observed_at"`
	LastObservedAt   *time.Time         `json:"last_observed_at,omitempty" db:"last_observed_at"`
	Evidence         json.RawMessage    `json:"evidence,omitempty" db:"evidence"`
	VerifiedAt       *time.Time         `json:"verified_at,omitempty" db:"verified_at"`
	VerifiedBy       *string            `json:"verified_by,omitempty" db:"verified_by"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// UpsertRelationshipRequest is the request for asserting a relationship
type UpsertRelationshipRequest struct {
	SubjectID    string             `json:"subject_id" validate:"required,uuid"`
	ObjectID     string             `json:"object_id" validate:"required,uuid"`
	RelType      string             `json:"rel_type" validate:"required"`
	Origin       RelationshipOrigin `json:"origin" validate:"required,oneof=observed inferred_from_visit self_reported"`
	SourceSystem string             `json:"source_system" validate:"required"`
	ObservedAt   *time.Time         `json:"observed_at,omitempty"`
	Evidence     map[string]any     `json:"evidence,omitempty"`
}
