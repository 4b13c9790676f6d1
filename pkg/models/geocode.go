package models

import "time"

// GeocodeStatus is the lifecycle state of a place's geocode attempt
type GeocodeStatus string

const (
	GeocodeStatusNeverAttempted    GeocodeStatus = "never_attempted"
	GeocodeStatusScheduled         GeocodeStatus = "scheduled"
	GeocodeStatusInProgress        GeocodeStatus = "in_progress"
	GeocodeStatusSuccess           GeocodeStatus = "success"
	GeocodeStatusPermanentlyFailed GeocodeStatus = "permanently_failed"
)

// GeocodeFailureCategory buckets provider failures for retry policy
type GeocodeFailureCategory string

const (
	GeocodeFailureAddressNotFound GeocodeFailureCategory = "address_not_found"
	GeocodeFailureRateLimited     GeocodeFailureCategory = "rate_limited"
	GeocodeFailureTimeout         GeocodeFailureCategory = "timeout"
	GeocodeFailureInvalidAddress  GeocodeFailureCategory = "invalid_address"
	GeocodeFailureNoResults       GeocodeFailureCategory = "no_results"
	GeocodeFailureUnknown         GeocodeFailureCategory = "unknown"
)

// Transient returns true for failures that are the provider's fault rather
// than the address's. Transient failures are retried indefinitely and never
// exhaust the attempt budget.
func (c GeocodeFailureCategory) Transient() bool {
	switch c {
	case GeocodeFailureRateLimited, GeocodeFailureTimeout:
		return true
	}
	return false
}

// GeocodeState tracks geocoding progress for one place entity
type GeocodeState struct {
	PlaceID          string                  `json:"place_id" db:"place_id"`
	Status           GeocodeStatus           `json:"status" db:"status"`
	Attempts         int                     `json:"attempts" db:"attempts"`
	LastError        *string                 `json:"last_error,omitempty" db:"last_error"`
	LastCategory     *GeocodeFailureCategory `json:"last_category,omitempty" db:"last_category"`
	NextAttemptAt    *time.Time              `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	Latitude         *float64                `json:"latitude,omitempty" db:"latitude"`
	Longitude        *float64                `json:"longitude,omitempty" db:"longitude"`
	FormattedAddress *string                 `json:"formatted_address,omitempty" db:"formatted_address"`
	CreatedAt        time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at" db:"updated_at"`
}
