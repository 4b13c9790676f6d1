package models

import (
	"encoding/json"
	"time"
)

// AttributeBundle is the best-effort set of identifying attributes a source
// system supplies for one record. Any subset may be present; the resolver
// normalizes whatever it gets and indexes the usable identifiers.
type AttributeBundle struct {
	Kind           EntityKind     `json:"kind" validate:"required,oneof=person animal place"`
	SourceSystem   string         `json:"source_system" validate:"required"`
	SourceRecordID string         `json:"source_record_id" validate:"required"`
	Name           string         `json:"name,omitempty"`
	Email          string         `json:"email,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Address        string         `json:"address,omitempty"`
	Microchip      string         `json:"microchip,omitempty"`
	ExternalID     string         `json:"external_id,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// ResolveResult is what the resolver returns: the canonical id plus flags
// describing how it got there
type ResolveResult struct {
	EntityID    string `json:"entity_id"`
	Created     bool   `json:"created"`
	Discrepancy bool   `json:"discrepancy"`
}

// IngestMessage is the Kafka envelope carrying an attribute bundle plus any
// relationships the source asserted alongside it
type IngestMessage struct {
	Bundle        AttributeBundle     `json:"bundle"`
	Relationships []IngestRelationship `json:"relationships,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// IngestRelationship is a relationship assertion embedded in an ingest
// message. Both endpoints are attribute bundles resolved before the edge is
// upserted.
type IngestRelationship struct {
	RelType    string             `json:"rel_type"`
	Origin     RelationshipOrigin `json:"origin"`
	Object     AttributeBundle    `json:"object"`
	ObservedAt *time.Time         `json:"observed_at,omitempty"`
	Evidence   map[string]any     `json:"evidence,omitempty"`
}

// EntityEvent is the lifecycle event published after resolution or merge
type EntityEvent struct {
	Type        string          `json:"type"` // entity.created, entity.updated, entity.merged
	Kind        EntityKind      `json:"kind"`
	EntityID    string          `json:"entity_id"`
	CanonicalID string          `json:"canonical_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

const (
	EventEntityCreated = "entity.created"
	EventEntityUpdated = "entity.updated"
	EventEntityMerged  = "entity.merged"
)
