// Package ingest implements the measurement write path: a Kafka consumer
// feeding a batching writer that classifies each reading's pm25 outlier flag
// at insert time and upserts rows idempotently into the store.
package ingest

import (
	"encoding/json"
	"time"

	"airsense/internal/types"
)

// MeasurementMessage is the wire payload produced by the data pollers and
// consumed by the ingestor. One message carries one reading together with
// enough location metadata to upsert the location on first sight.
type MeasurementMessage struct {
	LocationReferenceID string           `json:"locationReferenceId"`
	LocationName        string           `json:"locationName"`
	Latitude            float64          `json:"latitude"`
	Longitude           float64          `json:"longitude"`
	DataSource          types.DataSource `json:"dataSource"`
	SensorType          types.SensorType `json:"sensorType"`

	MeasuredAt time.Time `json:"measuredAt"`
	PM25       *float64  `json:"pm25,omitempty"`
	PM10       *float64  `json:"pm10,omitempty"`
	ATMP       *float64  `json:"atmp,omitempty"`
	RHUM       *float64  `json:"rhum,omitempty"`
	RCO2       *float64  `json:"rco2,omitempty"`
	O3         *float64  `json:"o3,omitempty"`
	NO2        *float64  `json:"no2,omitempty"`
}

// DecodeMeasurementMessage parses a Kafka message payload. Messages without
// a location reference or timestamp are rejected: the row could neither be
// stored nor deduplicated.
func DecodeMeasurementMessage(data []byte) (*MeasurementMessage, error) {
	var msg MeasurementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.LocationReferenceID == "" {
		return nil, errMissingReference
	}
	if msg.MeasuredAt.IsZero() {
		return nil, errMissingTimestamp
	}
	return &msg, nil
}

// Encode serializes the message for production onto the measurement topic.
func (m *MeasurementMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
