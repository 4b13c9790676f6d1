package models

import (
	"encoding/json"
	"time"
)

// SourceRecord links a raw upstream record to the canonical entity it
// resolved to. Unique on (source_system, source_record_id); re-ingesting the
// same record updates the payload and fingerprint in place.
type SourceRecord struct {
	ID             string          `json:"id" db:"id"`
	EntityID       string          `json:"entity_id" db:"entity_id"`
	SourceSystem   string          `json:"source_system" db:"source_system"`
	SourceRecordID string          `json:"source_record_id" db:"source_record_id"`
	Fingerprint    string          `json:"fingerprint" db:"fingerprint"`
	Payload        json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
