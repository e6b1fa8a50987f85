package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"airsense/internal/config"
	"airsense/internal/ingest"
	"airsense/internal/types"
)

// openAQPageLimit is the page size for the OpenAQ locations listing. OpenAQ
// caps this at 1000 per request.
const openAQPageLimit = 1000

// OpenAQClient fetches latest reference-monitor readings from the OpenAQ v3
// API. OpenAQ aggregates government reference stations, so its readings do
// not receive the low-cost-sensor humidity correction downstream.
type OpenAQClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewOpenAQClient creates a client for the OpenAQ v3 API.
func NewOpenAQClient(cfg config.ProviderConfig, opts ...BaseClientOption) *OpenAQClient {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &OpenAQClient{
		base:    NewBaseClient(httpClient, "openaq", DefaultRetryPolicy(), cfg.UserAgent, opts...),
		baseURL: cfg.OpenAQBaseURL,
		apiKey:  cfg.OpenAQAPIKey,
	}
}

type openAQCoordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type openAQSensor struct {
	Parameter struct {
		Name string `json:"name"`
	} `json:"parameter"`
	Latest *struct {
		Value    *float64 `json:"value"`
		Datetime struct {
			UTC string `json:"utc"`
		} `json:"datetime"`
	} `json:"latest"`
}

type openAQLocation struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Coordinates openAQCoordinates `json:"coordinates"`
	Sensors     []openAQSensor    `json:"sensors"`
}

type openAQPage struct {
	Meta struct {
		Found json.Number `json:"found"`
	} `json:"meta"`
	Results []openAQLocation `json:"results"`
}

// FetchLatest pages through the OpenAQ locations listing and returns one
// message per location carrying whichever supported parameters the station
// reports. Locations without coordinates or without any usable reading are
// skipped.
func (c *OpenAQClient) FetchLatest(ctx context.Context) ([]*ingest.MeasurementMessage, error) {
	var messages []*ingest.MeasurementMessage

	for page := 1; ; page++ {
		results, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			break
		}
		for _, loc := range results {
			if msg := c.toMessage(loc); msg != nil {
				messages = append(messages, msg)
			}
		}
		if len(results) < openAQPageLimit {
			break
		}
	}
	return messages, nil
}

func (c *OpenAQClient) fetchPage(ctx context.Context, page int) ([]openAQLocation, error) {
	endpoint := fmt.Sprintf("%s/v3/locations?limit=%d&page=%d&monitor=true", c.baseURL, openAQPageLimit, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build OpenAQ request", err)
	}
	if key := c.apiKey.Unmask(); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("OpenAQ returned status %d", resp.StatusCode),
			nil,
		)
	}

	var body openAQPage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode OpenAQ response", err)
	}
	return body.Results, nil
}

// openAQParameters maps OpenAQ parameter names to message field setters.
var openAQParameters = map[string]func(*ingest.MeasurementMessage, *float64){
	"pm25":        func(m *ingest.MeasurementMessage, v *float64) { m.PM25 = v },
	"pm10":        func(m *ingest.MeasurementMessage, v *float64) { m.PM10 = v },
	"temperature": func(m *ingest.MeasurementMessage, v *float64) { m.ATMP = v },
	"relativehumidity": func(m *ingest.MeasurementMessage, v *float64) {
		m.RHUM = v
	},
	"o3":  func(m *ingest.MeasurementMessage, v *float64) { m.O3 = v },
	"no2": func(m *ingest.MeasurementMessage, v *float64) { m.NO2 = v },
}

func (c *OpenAQClient) toMessage(loc openAQLocation) *ingest.MeasurementMessage {
	if loc.Coordinates.Latitude == nil || loc.Coordinates.Longitude == nil {
		return nil
	}

	msg := &ingest.MeasurementMessage{
		LocationReferenceID: strconv.FormatInt(loc.ID, 10),
		LocationName:        loc.Name,
		Latitude:            *loc.Coordinates.Latitude,
		Longitude:           *loc.Coordinates.Longitude,
		DataSource:          types.DataSourceOpenAQ,
		SensorType:          types.SensorTypeReference,
	}

	found := false
	for _, sensor := range loc.Sensors {
		set, ok := openAQParameters[sensor.Parameter.Name]
		if !ok || sensor.Latest == nil || sensor.Latest.Value == nil {
			continue
		}
		measuredAt, err := parseProviderTime(sensor.Latest.Datetime.UTC)
		if err != nil {
			continue
		}
		// One message per location; stamp it with the newest sensor reading.
		if measuredAt.After(msg.MeasuredAt) {
			msg.MeasuredAt = measuredAt
		}
		set(msg, sensor.Latest.Value)
		found = true
	}
	if !found || msg.MeasuredAt.IsZero() {
		return nil
	}
	return msg
}
