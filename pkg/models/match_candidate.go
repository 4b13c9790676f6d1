package models

import (
	"encoding/json"
	"time"
)

// MatchTier names which scoring rule produced a candidate
type MatchTier string

const (
	MatchTierExactPhone MatchTier = "exact_phone"
	MatchTierExactEmail MatchTier = "exact_email"
	MatchTierNamePhone  MatchTier = "name_phone_area"
	MatchTierNameOnly   MatchTier = "name_only"
)

// MatchCandidateStatus is the review state of a candidate
type MatchCandidateStatus string

const (
	MatchCandidateStatusPending  MatchCandidateStatus = "pending"
	MatchCandidateStatusAccepted MatchCandidateStatus = "accepted"
	MatchCandidateStatusRejected MatchCandidateStatus = "rejected"
)

// MatchCandidate is a scored potential match between an unresolved source
// record and an existing canonical entity, persisted for manual review.
// Candidates never trigger automatic merges.
type MatchCandidate struct {
	ID             string               `json:"id" db:"id"`
	SourceSystem   string               `json:"source_system" db:"source_system"`
	SourceRecordID string               `json:"source_record_id" db:"source_record_id"`
	EntityID       string               `json:"entity_id" db:"entity_id"`
	Score          float64              `json:"score" db:"score"`
	Evidence       json.RawMessage      `json:"evidence" db:"evidence"`
	Status         MatchCandidateStatus `json:"status" db:"status"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
	ReviewedAt     *time.Time           `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ReviewedBy     *string              `json:"reviewed_by,omitempty" db:"reviewed_by"`
}

// MatchEvidence explains why a candidate scored the way it did
type MatchEvidence struct {
	MatchedOn      []string  `json:"matched_on"`
	Tier           MatchTier `json:"tier"`
	NameSimilarity *float64  `json:"name_similarity,omitempty"`
}
