// Package outlier implements PM2.5 anomaly classification for sensor
// readings. A reading is an outlier when either of two independent checks
// fires:
//
//   - Stuck sensor: the location reported the exact same non-zero value for
//     the whole trailing window (a sensor repeating 0 is clean air, not a
//     malfunction).
//   - Spatial deviation: the reading deviates from its neighborhood, judged
//     by z-score at polluted levels and by absolute deviation at clean
//     levels, where near-zero variance makes z-scores unreliable.
//
// The same classifier instance serves both ingestion-time classification
// (fixed configured thresholds) and query-time re-classification (per-request
// overrides), so the two paths can never diverge.
package outlier

import (
	"context"
	"math"
	"time"

	"airsense/internal/config"
	"airsense/internal/types"
)

// meanRegimeThreshold separates the polluted regime (z-score decision) from
// the clean regime (absolute-deviation decision), in µg/m³ of neighborhood
// mean.
const meanRegimeThreshold = 50.0

// Repository is the measurement query surface the classifier depends on.
// Implemented by db.MeasurementRepository.
type Repository interface {
	// PM25ReadingsBefore returns the location's PM2.5 readings in
	// [measuredAt-window, measuredAt), lower boundary inclusive.
	PM25ReadingsBefore(ctx context.Context, locationReferenceID string, measuredAt time.Time, window time.Duration) ([]float64, error)

	// PM25ReadingsBeforeBatch resolves the trailing window for every
	// candidate in one query, keyed by types.BatchKey.
	PM25ReadingsBeforeBatch(ctx context.Context, points []types.DataPoint, window time.Duration) (map[string][]float64, error)

	// NearbyNearestPM25 returns the nearest-in-time PM2.5 value from each
	// other location within radiusMeters and ±window, excluding stored
	// outliers.
	NearbyNearestPM25(ctx context.Context, locationReferenceID string, measuredAt time.Time, radiusMeters float64, window time.Duration) ([]float64, error)

	// NearbyNearestPM25Batch resolves the neighborhood of every candidate in
	// one query, keyed by types.BatchKey.
	NearbyNearestPM25Batch(ctx context.Context, points []types.DataPoint, radiusMeters float64, window time.Duration) (map[string][]float64, error)
}

// Overrides optionally replaces configured thresholds for a single request.
// Nil fields fall back to the configured defaults, so ingestion-time and
// query-time classification share one code path.
type Overrides struct {
	RadiusMeters       *float64
	MeasuredAtInterval *time.Duration
	MinNearbyCount     *int
	ZScoreThreshold    *float64
	AbsoluteThreshold  *float64
}

// params is the fully-resolved threshold set used for one classification.
type params struct {
	radiusMeters      float64
	window            time.Duration
	minNearbyCount    int
	zScoreThreshold   float64
	absoluteThreshold float64
	stuckWindow       time.Duration
	stuckMinPrior     int
}

// Classifier evaluates PM2.5 readings against the stuck-sensor and spatial
// deviation checks. It is stateless over its inputs and safe for concurrent
// use.
type Classifier struct {
	repo Repository
	cfg  config.OutlierConfig
}

// NewClassifier creates a Classifier with the given repository and default
// thresholds.
func NewClassifier(repo Repository, cfg config.OutlierConfig) *Classifier {
	return &Classifier{repo: repo, cfg: cfg}
}

// resolve merges per-request overrides onto the configured defaults.
func (c *Classifier) resolve(o *Overrides) params {
	p := params{
		radiusMeters:      c.cfg.RadiusMeters,
		window:            c.cfg.MeasuredAtInterval,
		minNearbyCount:    c.cfg.MinNearbyCount,
		zScoreThreshold:   c.cfg.ZScoreThreshold,
		absoluteThreshold: c.cfg.AbsoluteThreshold,
		stuckWindow:       c.cfg.StuckWindow,
		stuckMinPrior:     c.cfg.StuckMinPriorReadings,
	}
	if o == nil {
		return p
	}
	if o.RadiusMeters != nil {
		p.radiusMeters = *o.RadiusMeters
	}
	if o.MeasuredAtInterval != nil {
		p.window = *o.MeasuredAtInterval
	}
	if o.MinNearbyCount != nil {
		p.minNearbyCount = *o.MinNearbyCount
	}
	if o.ZScoreThreshold != nil {
		p.zScoreThreshold = *o.ZScoreThreshold
	}
	if o.AbsoluteThreshold != nil {
		p.absoluteThreshold = *o.AbsoluteThreshold
	}
	return p
}

// Classify reports whether a single reading is an outlier. Database failures
// propagate to the caller; they are never silently treated as "not an
// outlier" because ingestion freezes the flag it is handed.
func (c *Classifier) Classify(ctx context.Context, locationReferenceID string, pm25 float64, measuredAt time.Time, o *Overrides) (bool, error) {
	p := c.resolve(o)

	prior, err := c.repo.PM25ReadingsBefore(ctx, locationReferenceID, measuredAt, p.stuckWindow)
	if err != nil {
		return false, err
	}
	if isStuck(pm25, prior, p.stuckMinPrior) {
		return true, nil
	}

	nearby, err := c.repo.NearbyNearestPM25(ctx, locationReferenceID, measuredAt, p.radiusMeters, p.window)
	if err != nil {
		return false, err
	}
	return deviatesFromNeighbors(pm25, nearby, p), nil
}

// ClassifyBatch classifies a batch of readings using two set-based queries
// regardless of batch size. The result is keyed by types.BatchKey; consumers
// treat missing keys as "not an outlier".
func (c *Classifier) ClassifyBatch(ctx context.Context, points []types.DataPoint, o *Overrides) (map[string]bool, error) {
	result := make(map[string]bool, len(points))
	if len(points) == 0 {
		return result, nil
	}
	p := c.resolve(o)

	priorByKey, err := c.repo.PM25ReadingsBeforeBatch(ctx, points, p.stuckWindow)
	if err != nil {
		return nil, err
	}
	nearbyByKey, err := c.repo.NearbyNearestPM25Batch(ctx, points, p.radiusMeters, p.window)
	if err != nil {
		return nil, err
	}

	for _, pt := range points {
		key := pt.Key()
		result[key] = isStuck(pt.PM25, priorByKey[key], p.stuckMinPrior) ||
			deviatesFromNeighbors(pt.PM25, nearbyByKey[key], p)
	}
	return result, nil
}

// NearbyStats computes the neighborhood statistics for a candidate reading.
// When fewer than minNearbyCount neighbors exist, Mean and Stddev are nil and
// Count carries the actual neighbor count; that is a valid negative outcome,
// not an error.
func (c *Classifier) NearbyStats(ctx context.Context, locationReferenceID string, measuredAt time.Time, o *Overrides) (types.NearbyPM25Stats, error) {
	p := c.resolve(o)

	nearby, err := c.repo.NearbyNearestPM25(ctx, locationReferenceID, measuredAt, p.radiusMeters, p.window)
	if err != nil {
		return types.NearbyPM25Stats{}, err
	}

	stats := types.NearbyPM25Stats{Count: len(nearby)}
	if len(nearby) < p.minNearbyCount {
		return stats, nil
	}
	mean, stddev := sampleStats(nearby)
	stats.Mean = &mean
	stats.Stddev = &stddev
	return stats, nil
}

// isStuck reports whether the candidate value repeats an unchanging non-zero
// reading: at least minPrior prior readings exist and every one equals the
// candidate exactly. A sustained 0 is a legitimately clean period and never
// counts as stuck; that rule is deliberate and must not be generalized to
// other constant values.
func isStuck(pm25 float64, prior []float64, minPrior int) bool {
	if len(prior) < minPrior {
		return false
	}
	if pm25 == 0 {
		return false
	}
	for _, v := range prior {
		if v != pm25 {
			return false
		}
	}
	return true
}

// deviatesFromNeighbors applies the spatial check. With fewer than
// minNearbyCount neighbors the check abstains. In the polluted regime
// (mean >= 50) the decision is |z| > zScoreThreshold; in the clean regime it
// is |pm25 - mean| > absoluteThreshold, because near-zero variance inflates
// z-scores at low concentrations.
func deviatesFromNeighbors(pm25 float64, nearby []float64, p params) bool {
	if len(nearby) < p.minNearbyCount {
		return false
	}

	mean, stddev := sampleStats(nearby)
	if mean >= meanRegimeThreshold {
		if stddev == 0 {
			// Identical neighbors: any deviation is an infinite z-score.
			return pm25 != mean
		}
		z := (pm25 - mean) / stddev
		return math.Abs(z) > p.zScoreThreshold
	}
	return math.Abs(pm25-mean) > p.absoluteThreshold
}

// sampleStats returns the mean and sample standard deviation (n-1 divisor)
// of the values. With a single value the stddev is 0.
func sampleStats(values []float64) (mean, stddev float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / n

	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	stddev = math.Sqrt(ss / (n - 1))
	return mean, stddev
}
