// Package measurements implements the map query service: it assembles
// bounding-box measurement queries into clustered responses, applying
// outlier filtering and EPA correction along the way.
package measurements

import (
	"context"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"airsense/internal/cluster"
	"airsense/internal/epa"
	"airsense/internal/outlier"
	"airsense/internal/types"
)

// MeasurementReader is the query surface the service needs from the store.
// Implemented by db.MeasurementRepository.
type MeasurementReader interface {
	LatestByBBox(ctx context.Context, bbox types.BBox, measure types.Measure, excludeStoredOutliers bool) ([]types.Measurement, error)
}

// Classifier re-runs outlier classification over fetched rows when the
// caller supplies dynamic threshold overrides. Implemented by
// outlier.Classifier.
type Classifier interface {
	ClassifyBatch(ctx context.Context, points []types.DataPoint, o *outlier.Overrides) (map[string]bool, error)
}

// ClusterEngine groups point features for map rendering. Implemented by
// cluster.Engine.
type ClusterEngine interface {
	Cluster(features []*geojson.Feature, zoom int, opts *cluster.Options) []types.Cluster
}

// ClusterQuery describes one clustered-measurements request.
//
// OutlierOverrides non-nil means the caller wants outliers recomputed with
// custom thresholds instead of trusting the flags persisted at ingestion
// time. Overrides only take effect for pm25 and only when an outlier filter
// (ExcludeOutliers or OutliersOnly) is requested.
type ClusterQuery struct {
	BBox             types.BBox
	Zoom             int
	Measure          types.Measure
	ExcludeOutliers  bool
	OutliersOnly     bool
	OutlierOverrides *outlier.Overrides
	ClusterOptions   *cluster.Options
}

// Service orchestrates fetch, outlier filtering, EPA correction, and
// clustering for map queries. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	repo       MeasurementReader
	classifier Classifier
	engine     ClusterEngine
	logger     *slog.Logger
}

// NewService creates a measurement query service.
func NewService(repo MeasurementReader, classifier Classifier, engine ClusterEngine, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		classifier: classifier,
		engine:     engine,
		logger:     logger,
	}
}

// GetClustered returns the clustered latest measurements inside the bounding
// box. Rows with a missing value for the requested measure (or, for
// correctable pm25 sources, missing humidity) are skipped as a data-quality
// signal, not an error. An empty row set yields an empty cluster list.
func (s *Service) GetClustered(ctx context.Context, q ClusterQuery) ([]types.Cluster, error) {
	if !q.BBox.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBBox, "bounding box is invalid", nil)
	}
	if !q.Measure.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMeasure, "unsupported measure", nil)
	}

	dynamic := q.OutlierOverrides != nil && q.Measure == types.MeasurePM25 &&
		(q.ExcludeOutliers || q.OutliersOnly)

	// The stored flag is only trusted when no dynamic overrides are in play;
	// the exclude case pushes the filter into SQL.
	excludeStored := !dynamic && q.Measure == types.MeasurePM25 &&
		q.ExcludeOutliers && !q.OutliersOnly

	rows, err := s.repo.LatestByBBox(ctx, q.BBox, q.Measure, excludeStored)
	if err != nil {
		return nil, err
	}

	switch {
	case dynamic:
		rows, err = s.filterDynamic(ctx, rows, q)
		if err != nil {
			return nil, err
		}
	case q.OutliersOnly && q.Measure == types.MeasurePM25:
		rows = filterStoredOutliersOnly(rows)
	}

	if len(rows) == 0 {
		return []types.Cluster{}, nil
	}

	features := s.buildFeatures(rows, q.Measure)
	if len(features) == 0 {
		return []types.Cluster{}, nil
	}

	return s.engine.Cluster(features, q.Zoom, q.ClusterOptions), nil
}

// filterDynamic re-runs the batched classifier with the caller's overrides
// and filters the row set by the recomputed flags. Rows missing the pm25
// value or a timestamp cannot be classified: they pass through under
// exclude-mode and are dropped under outliers-only mode.
func (s *Service) filterDynamic(ctx context.Context, rows []types.Measurement, q ClusterQuery) ([]types.Measurement, error) {
	points := make([]types.DataPoint, 0, len(rows))
	for _, m := range rows {
		if m.PM25 == nil || m.MeasuredAt.IsZero() {
			continue
		}
		points = append(points, types.DataPoint{
			LocationReferenceID: m.LocationReferenceID,
			PM25:                *m.PM25,
			MeasuredAt:          m.MeasuredAt,
		})
	}

	flags, err := s.classifier.ClassifyBatch(ctx, points, q.OutlierOverrides)
	if err != nil {
		return nil, err
	}

	kept := rows[:0:0]
	for _, m := range rows {
		if m.PM25 == nil || m.MeasuredAt.IsZero() {
			if !q.OutliersOnly {
				kept = append(kept, m)
			}
			continue
		}
		isOutlier := flags[types.BatchKey(m.LocationReferenceID, m.MeasuredAt)]
		if q.OutliersOnly == isOutlier {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// filterStoredOutliersOnly keeps only rows whose persisted pm25 outlier flag
// is set.
func filterStoredOutliersOnly(rows []types.Measurement) []types.Measurement {
	kept := rows[:0:0]
	for _, m := range rows {
		if m.IsPM25Outlier {
			kept = append(kept, m)
		}
	}
	return kept
}

// buildFeatures converts measurement rows into cluster input features. For
// pm25 the EPA correction is applied using the row's own data source; other
// measures use the stored value as-is. Rows whose value resolves to nil are
// skipped.
func (s *Service) buildFeatures(rows []types.Measurement, measure types.Measure) []*geojson.Feature {
	features := make([]*geojson.Feature, 0, len(rows))
	for _, m := range rows {
		var value *float64
		if measure == types.MeasurePM25 {
			value = epa.CorrectPM25(m.DataSource, m.PM25, m.RHUM)
		} else {
			value = m.Value(measure)
		}
		if value == nil {
			continue
		}

		f := geojson.NewFeature(orb.Point{m.Longitude, m.Latitude})
		f.Properties = geojson.Properties{
			cluster.PropLocationID:   m.LocationID,
			cluster.PropLocationName: m.LocationName,
			cluster.PropSensorType:   string(m.SensorType),
			cluster.PropDataSource:   string(m.DataSource),
			cluster.PropValue:        *value,
		}
		features = append(features, f)
	}
	return features
}
