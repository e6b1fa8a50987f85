package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"airsense/internal/config"
	"airsense/internal/ingest"
	"airsense/internal/types"
)

// AirGradientClient fetches the current world measures feed from the
// AirGradient public API.
type AirGradientClient struct {
	base    *BaseClient
	baseURL string
	token   types.SecretString
}

// NewAirGradientClient creates a client for the AirGradient public API.
func NewAirGradientClient(cfg config.ProviderConfig, opts ...BaseClientOption) *AirGradientClient {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &AirGradientClient{
		base:    NewBaseClient(httpClient, "airgradient", DefaultRetryPolicy(), cfg.UserAgent, opts...),
		baseURL: cfg.AirGradientBaseURL,
		token:   cfg.AirGradientToken,
	}
}

// airGradientMeasure is one row of the world current-measures feed.
type airGradientMeasure struct {
	LocationID   int64    `json:"locationId"`
	LocationName string   `json:"locationName"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	PM02         *float64 `json:"pm02"`
	PM10         *float64 `json:"pm10"`
	ATMP         *float64 `json:"atmp"`
	RHUM         *float64 `json:"rhum"`
	RCO2         *float64 `json:"rco2"`
	Timestamp    string   `json:"timestamp"`
}

// FetchCurrent retrieves the latest reading for every public AirGradient
// location. Rows without coordinates or a parseable timestamp are skipped.
func (c *AirGradientClient) FetchCurrent(ctx context.Context) ([]*ingest.MeasurementMessage, error) {
	endpoint := fmt.Sprintf("%s/public/api/v1/world/locations/measures/current", c.baseURL)
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "invalid AirGradient base URL", err)
	}
	q := u.Query()
	if token := c.token.Unmask(); token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build AirGradient request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("AirGradient returned status %d", resp.StatusCode),
			nil,
		)
	}

	var rows []airGradientMeasure
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode AirGradient response", err)
	}

	messages := make([]*ingest.MeasurementMessage, 0, len(rows))
	for _, row := range rows {
		if row.Latitude == 0 && row.Longitude == 0 {
			continue
		}
		measuredAt, err := parseProviderTime(row.Timestamp)
		if err != nil {
			continue
		}
		messages = append(messages, &ingest.MeasurementMessage{
			LocationReferenceID: strconv.FormatInt(row.LocationID, 10),
			LocationName:        row.LocationName,
			Latitude:            row.Latitude,
			Longitude:           row.Longitude,
			DataSource:          types.DataSourceAirGradient,
			SensorType:          types.SensorTypeSmallSensor,
			MeasuredAt:          measuredAt,
			PM25:                row.PM02,
			PM10:                row.PM10,
			ATMP:                row.ATMP,
			RHUM:                row.RHUM,
			RCO2:                row.RCO2,
		})
	}
	return messages, nil
}

// parseProviderTime accepts the timestamp formats seen across provider feeds:
// RFC3339 with or without an explicit offset. Times without an offset are UTC.
func parseProviderTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
