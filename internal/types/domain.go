// Package types defines the shared domain model for the AirSense platform:
// sensor locations, time-stamped measurements, map clusters, and the error
// model used across all services.
package types

import (
	"fmt"
	"time"
)

// DataSource identifies the upstream network a location reports through.
type DataSource string

const (
	DataSourceAirGradient     DataSource = "AirGradient"
	DataSourceOpenAQ          DataSource = "OpenAQ"
	DataSourceDustBoy         DataSource = "DustBoy"
	DataSourceSensorCommunity DataSource = "SensorCommunity"
)

// epaCorrectionSources is the fixed set of data sources whose PM2.5 readings
// come from low-cost optical sensors and therefore require the EPA humidity
// correction before display. Membership is a business rule, not a tunable.
var epaCorrectionSources = map[DataSource]struct{}{
	DataSourceAirGradient: {},
	DataSourceDustBoy:     {},
}

// RequiresEPACorrection reports whether PM2.5 readings from this source must
// be passed through the EPA correction curve before use.
func (d DataSource) RequiresEPACorrection() bool {
	_, ok := epaCorrectionSources[d]
	return ok
}

// ownerPrefixes maps each data source to the display prefix used when
// labelling location names by their owning network.
var ownerPrefixes = map[DataSource]string{
	DataSourceAirGradient:     "AirGradient",
	DataSourceOpenAQ:          "OpenAQ",
	DataSourceDustBoy:         "DustBoy",
	DataSourceSensorCommunity: "Sensor.Community",
}

// OwnerPrefix returns the display prefix for the data source, or the raw
// source name when no explicit prefix is registered.
func (d DataSource) OwnerPrefix() string {
	if p, ok := ownerPrefixes[d]; ok {
		return p
	}
	return string(d)
}

// SensorType distinguishes reference-grade instruments from low-cost sensors.
type SensorType string

const (
	SensorTypeReference   SensorType = "Reference"
	SensorTypeSmallSensor SensorType = "Small Sensor"
)

// Measure names a measured air-quality parameter. Used to select which
// column of a Measurement a query operates on.
type Measure string

const (
	MeasurePM25 Measure = "pm25"
	MeasurePM10 Measure = "pm10"
	MeasureATMP Measure = "atmp"
	MeasureRHUM Measure = "rhum"
	MeasureRCO2 Measure = "rco2"
	MeasureO3   Measure = "o3"
	MeasureNO2  Measure = "no2"
)

// Valid reports whether the measure is one of the supported parameters.
func (m Measure) Valid() bool {
	switch m {
	case MeasurePM25, MeasurePM10, MeasureATMP, MeasureRHUM, MeasureRCO2, MeasureO3, MeasureNO2:
		return true
	}
	return false
}

// Location is a monitoring site. (ReferenceID, DataSource) is unique per
// source network; Latitude/Longitude are WGS84.
type Location struct {
	ID          int        `json:"id"`
	ReferenceID string     `json:"referenceId"`
	Name        string     `json:"name"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	DataSource  DataSource `json:"dataSource"`
	SensorType  SensorType `json:"sensorType"`
}

// Measurement is one sensor reading, unique per (LocationID, MeasuredAt).
// Parameter values are pointers because any subset of sensors may be absent
// on a given device. The outlier flags are computed once at ingestion time
// and frozen; query-time re-classification never writes them back.
type Measurement struct {
	LocationID          int        `json:"locationId"`
	LocationReferenceID string     `json:"locationReferenceId"`
	LocationName        string     `json:"locationName"`
	MeasuredAt          time.Time  `json:"measuredAt"`
	PM25                *float64   `json:"pm25,omitempty"`
	PM10                *float64   `json:"pm10,omitempty"`
	ATMP                *float64   `json:"atmp,omitempty"`
	RHUM                *float64   `json:"rhum,omitempty"`
	RCO2                *float64   `json:"rco2,omitempty"`
	O3                  *float64   `json:"o3,omitempty"`
	NO2                 *float64   `json:"no2,omitempty"`
	IsPM25Outlier       bool       `json:"isPm25Outlier"`
	IsRCO2Outlier       bool       `json:"isRco2Outlier"`
	DataSource          DataSource `json:"dataSource"`
	SensorType          SensorType `json:"sensorType"`
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
}

// Value returns the reading for the requested measure, or nil when the
// sensor did not report that parameter.
func (m *Measurement) Value(measure Measure) *float64 {
	switch measure {
	case MeasurePM25:
		return m.PM25
	case MeasurePM10:
		return m.PM10
	case MeasureATMP:
		return m.ATMP
	case MeasureRHUM:
		return m.RHUM
	case MeasureRCO2:
		return m.RCO2
	case MeasureO3:
		return m.O3
	case MeasureNO2:
		return m.NO2
	}
	return nil
}

// DataPoint is a candidate PM2.5 reading submitted for outlier classification.
type DataPoint struct {
	LocationReferenceID string    `json:"locationReferenceId"`
	PM25                float64   `json:"pm25"`
	MeasuredAt          time.Time `json:"measuredAt"`
}

// Key returns the batch-classification map key for the point.
func (p DataPoint) Key() string {
	return BatchKey(p.LocationReferenceID, p.MeasuredAt)
}

// BatchKey builds the classification map key for a location reference and
// measurement timestamp: "{locationReferenceId}_{measuredAt RFC3339 UTC}".
// Consumers treat a missing key as "not an outlier".
func BatchKey(locationReferenceID string, measuredAt time.Time) string {
	return fmt.Sprintf("%s_%s", locationReferenceID, measuredAt.UTC().Format(time.RFC3339))
}

// NearbyPM25Stats holds neighborhood statistics for a candidate reading.
// Mean and Stddev are nil when fewer than the required minimum of nearby
// readings exist; Count always carries the actual neighbor count.
type NearbyPM25Stats struct {
	Mean   *float64 `json:"mean"`
	Stddev *float64 `json:"stddev"`
	Count  int      `json:"count"`
}

// BBox is a longitude/latitude bounding rectangle used to scope spatial
// queries: (XMin, YMin) is the south-west corner, (XMax, YMax) north-east.
type BBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Valid reports whether the box describes a non-degenerate area within
// WGS84 coordinate bounds.
func (b BBox) Valid() bool {
	return b.XMin < b.XMax && b.YMin < b.YMax &&
		b.XMin >= -180 && b.XMax <= 180 &&
		b.YMin >= -90 && b.YMax <= 90
}

// Cluster is one element of a clustered map response: either an aggregate of
// minPoints-or-more points (IsCluster=true, Value = sum of member values) or
// a single ungrouped point carrying its own location properties.
type Cluster struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Count     int     `json:"count"`
	Value     float64 `json:"value"`
	IsCluster bool    `json:"isCluster"`

	// Populated only for ungrouped single points.
	LocationID   int        `json:"locationId,omitempty"`
	LocationName string     `json:"locationName,omitempty"`
	SensorType   SensorType `json:"sensorType,omitempty"`
	DataSource   DataSource `json:"dataSource,omitempty"`
}
