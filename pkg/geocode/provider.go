// Package geocode runs the retry queue that turns place addresses into
// coordinates. Transient provider failures retry forever; address problems
// exhaust a bounded attempt budget.
package geocode

import (
	"context"
	"errors"
	"fmt"

	"github.com/sorrelhq/sorrel/pkg/models"
)

// Result is a successful geocode
type Result struct {
	Latitude         float64
	Longitude        float64
	FormattedAddress string
}

// Provider resolves one address to coordinates
type Provider interface {
	Geocode(ctx context.Context, address string) (*Result, error)
}

// ProviderError is a geocode failure already classified by the provider
type ProviderError struct {
	Category models.GeocodeFailureCategory
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("geocode %s: %s", e.Category, e.Message)
}

// Classify buckets any geocode error into a failure category. Provider
// errors carry their own category; context deadline errors are timeouts;
// everything else is unknown.
func Classify(err error) models.GeocodeFailureCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.GeocodeFailureTimeout
	}
	return models.GeocodeFailureUnknown
}
