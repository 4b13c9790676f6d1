package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/models"
)

// GoogleConfig configures the Google Maps geocoding provider
type GoogleConfig struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
}

// GoogleProvider geocodes through the Google Maps Geocoding API
type GoogleProvider struct {
	config GoogleConfig
	client *http.Client
	logger ectologger.Logger
}

// NewGoogleProvider creates a new Google Maps provider
func NewGoogleProvider(config GoogleConfig, logger ectologger.Logger) *GoogleProvider {
	if config.BaseURL == "" {
		config.BaseURL = "https://maps.googleapis.com/maps/api/geocode/json"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &GoogleProvider{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}
}

type googleResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

// Geocode resolves an address. Failures come back as ProviderError with the
// category already assigned from the API status.
func (p *GoogleProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	if address == "" {
		return nil, &ProviderError{Category: models.GeocodeFailureInvalidAddress, Message: "empty address"}
	}

	reqURL := fmt.Sprintf("%s?address=%s&key=%s", p.config.BaseURL, url.QueryEscape(address), p.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ProviderError{Category: models.GeocodeFailureInvalidAddress, Message: err.Error()}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ProviderError{Category: models.GeocodeFailureTimeout, Message: err.Error()}
		}
		return nil, &ProviderError{Category: models.GeocodeFailureTimeout, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ProviderError{Category: models.GeocodeFailureRateLimited, Message: "http 429"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Category: models.GeocodeFailureUnknown, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	var body googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ProviderError{Category: models.GeocodeFailureUnknown, Message: err.Error()}
	}

	switch body.Status {
	case "OK":
		if len(body.Results) == 0 {
			return nil, &ProviderError{Category: models.GeocodeFailureNoResults, Message: "ok with no results"}
		}
		top := body.Results[0]
		return &Result{
			Latitude:         top.Geometry.Location.Lat,
			Longitude:        top.Geometry.Location.Lng,
			FormattedAddress: top.FormattedAddress,
		}, nil
	case "ZERO_RESULTS":
		return nil, &ProviderError{Category: models.GeocodeFailureAddressNotFound, Message: "zero results"}
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return nil, &ProviderError{Category: models.GeocodeFailureRateLimited, Message: body.Status}
	case "INVALID_REQUEST":
		return nil, &ProviderError{Category: models.GeocodeFailureInvalidAddress, Message: body.ErrorMessage}
	default:
		return nil, &ProviderError{Category: models.GeocodeFailureUnknown, Message: body.Status + ": " + body.ErrorMessage}
	}
}
