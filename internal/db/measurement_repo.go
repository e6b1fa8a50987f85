package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"airsense/internal/types"
)

// MeasurementRepository provides data access for the measurements table and
// the spatial/temporal queries backing the outlier classifier. It is the
// single query surface shared by the ingestion writer and the map query
// service so that both paths classify against identical data.
type MeasurementRepository struct {
	db DBTX
}

// NewMeasurementRepository creates a MeasurementRepository backed by the
// given database connection (pool or transaction).
func NewMeasurementRepository(db DBTX) *MeasurementRepository {
	return &MeasurementRepository{db: db}
}

// measureColumns whitelists the selectable measure columns. Queries only ever
// interpolate values from this map, never caller input.
var measureColumns = map[types.Measure]string{
	types.MeasurePM25: "m.pm25",
	types.MeasurePM10: "m.pm10",
	types.MeasureATMP: "m.atmp",
	types.MeasureRHUM: "m.rhum",
	types.MeasureRCO2: "m.rco2",
	types.MeasureO3:   "m.o3",
	types.MeasureNO2:  "m.no2",
}

// measurementColumns is the standard set of columns selected for measurement
// queries that return full rows. The scan helpers below must match this order.
const measurementColumns = `l.id, l.reference_id, l.name, m.measured_at,
	m.pm25, m.pm10, m.atmp, m.rhum, m.rco2, m.o3, m.no2,
	m.is_pm25_outlier, m.is_rco2_outlier,
	l.data_source, l.sensor_type, l.latitude, l.longitude`

// haversineMeters is the geodesic great-circle distance in meters between the
// aliased origin (o) and candidate (l) location rows. Plain-SQL haversine is
// used so the query needs no PostGIS extension; at the 10km radii involved
// the spherical-earth error is well under measurement noise.
const haversineMeters = `2 * 6371000 * asin(sqrt(
		pow(sin(radians(l.latitude - o.latitude) / 2), 2) +
		cos(radians(o.latitude)) * cos(radians(l.latitude)) *
		pow(sin(radians(l.longitude - o.longitude) / 2), 2)))`

// scanMeasurementFromRows scans a single row from a pgx.Rows result set in
// measurementColumns order.
func scanMeasurementFromRows(rows pgx.Rows) (*types.Measurement, error) {
	var m types.Measurement
	err := rows.Scan(
		&m.LocationID,
		&m.LocationReferenceID,
		&m.LocationName,
		&m.MeasuredAt,
		&m.PM25,
		&m.PM10,
		&m.ATMP,
		&m.RHUM,
		&m.RCO2,
		&m.O3,
		&m.NO2,
		&m.IsPM25Outlier,
		&m.IsRCO2Outlier,
		&m.DataSource,
		&m.SensorType,
		&m.Latitude,
		&m.Longitude,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestByBBox returns the latest reading per location inside the bounding
// box whose requested measure column is non-null, ordered by location id.
//
// When excludeStoredOutliers is set (only meaningful for pm25), rows whose
// ingestion-time is_pm25_outlier flag is set are filtered in SQL. Dynamic
// re-classification paths pass false and filter in the service layer instead.
func (r *MeasurementRepository) LatestByBBox(ctx context.Context, bbox types.BBox, measure types.Measure, excludeStoredOutliers bool) ([]types.Measurement, error) {
	col, ok := measureColumns[measure]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMeasure,
			fmt.Sprintf("unsupported measure %q", measure), nil)
	}

	var filter string
	if excludeStoredOutliers && measure == types.MeasurePM25 {
		filter = " AND m.is_pm25_outlier = FALSE"
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT ON (l.id) %s
		 FROM measurements m
		 JOIN locations l ON l.id = m.location_id
		 WHERE l.longitude BETWEEN $1 AND $2
		   AND l.latitude BETWEEN $3 AND $4
		   AND %s IS NOT NULL%s
		 ORDER BY l.id, m.measured_at DESC`,
		measurementColumns, col, filter,
	)

	rows, err := r.db.Query(ctx, query, bbox.XMin, bbox.XMax, bbox.YMin, bbox.YMax)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query measurements in bbox", err)
	}
	defer rows.Close()

	var results []types.Measurement
	for rows.Next() {
		m, scanErr := scanMeasurementFromRows(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan measurement row", scanErr)
		}
		results = append(results, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating measurement rows", err)
	}

	return results, nil
}

// PM25ReadingsBefore returns all PM2.5 readings for the location reference in
// the trailing window [measuredAt-window, measuredAt). The lower boundary is
// inclusive at exactly -window.
func (r *MeasurementRepository) PM25ReadingsBefore(ctx context.Context, locationReferenceID string, measuredAt time.Time, window time.Duration) ([]float64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT m.pm25
		 FROM measurements m
		 JOIN locations l ON l.id = m.location_id
		 WHERE l.reference_id = $1
		   AND m.pm25 IS NOT NULL
		   AND m.measured_at >= $2::timestamptz - make_interval(secs => $3)
		   AND m.measured_at < $2::timestamptz
		 ORDER BY m.measured_at`,
		locationReferenceID, measuredAt, window.Seconds(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query trailing pm25 readings", err)
	}
	defer rows.Close()

	return scanFloatColumn(rows)
}

// PM25ReadingsBeforeBatch is the set-based variant of PM25ReadingsBefore: one
// query resolves the trailing window for every candidate point, keyed by
// types.BatchKey. Candidates with no prior readings are absent from the map.
func (r *MeasurementRepository) PM25ReadingsBeforeBatch(ctx context.Context, points []types.DataPoint, window time.Duration) (map[string][]float64, error) {
	if len(points) == 0 {
		return map[string][]float64{}, nil
	}

	refs, ats := candidateArrays(points)
	rows, err := r.db.Query(ctx,
		`SELECT c.ref, c.at, m.pm25
		 FROM unnest($1::text[], $2::timestamptz[]) AS c(ref, at)
		 JOIN locations l ON l.reference_id = c.ref
		 JOIN measurements m ON m.location_id = l.id
		 WHERE m.pm25 IS NOT NULL
		   AND m.measured_at >= c.at - make_interval(secs => $3)
		   AND m.measured_at < c.at
		 ORDER BY c.ref, c.at, m.measured_at`,
		refs, ats, window.Seconds(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to batch query trailing pm25 readings", err)
	}
	defer rows.Close()

	return scanKeyedFloats(rows)
}

// NearbyNearestPM25 returns, for the candidate location and timestamp, the
// nearest-in-time PM2.5 value from every other location within radiusMeters
// geodesic distance whose reading falls within ±window of measuredAt. Stored
// outliers are excluded, and exactly one reading per neighbor location
// contributes so a single busy sensor cannot dominate the statistics.
func (r *MeasurementRepository) NearbyNearestPM25(ctx context.Context, locationReferenceID string, measuredAt time.Time, radiusMeters float64, window time.Duration) ([]float64, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT ON (l.id) m.pm25
		 FROM locations o
		 JOIN locations l ON l.id <> o.id
		 JOIN measurements m ON m.location_id = l.id
		 WHERE o.reference_id = $1
		   AND m.pm25 IS NOT NULL
		   AND m.is_pm25_outlier = FALSE
		   AND m.measured_at BETWEEN $2::timestamptz - make_interval(secs => $3)
		                         AND $2::timestamptz + make_interval(secs => $3)
		   AND %s <= $4
		 ORDER BY l.id, abs(extract(epoch FROM (m.measured_at - $2::timestamptz)))`,
		haversineMeters,
	)

	rows, err := r.db.Query(ctx, query, locationReferenceID, measuredAt, window.Seconds(), radiusMeters)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query nearby pm25 readings", err)
	}
	defer rows.Close()

	return scanFloatColumn(rows)
}

// NearbyNearestPM25Batch is the set-based variant of NearbyNearestPM25,
// resolving the neighborhood of every candidate in one query. Results are
// keyed by types.BatchKey; candidates with no neighbors are absent.
func (r *MeasurementRepository) NearbyNearestPM25Batch(ctx context.Context, points []types.DataPoint, radiusMeters float64, window time.Duration) (map[string][]float64, error) {
	if len(points) == 0 {
		return map[string][]float64{}, nil
	}

	refs, ats := candidateArrays(points)
	query := fmt.Sprintf(
		`SELECT DISTINCT ON (c.ref, c.at, l.id) c.ref, c.at, m.pm25
		 FROM unnest($1::text[], $2::timestamptz[]) AS c(ref, at)
		 JOIN locations o ON o.reference_id = c.ref
		 JOIN locations l ON l.id <> o.id
		 JOIN measurements m ON m.location_id = l.id
		 WHERE m.pm25 IS NOT NULL
		   AND m.is_pm25_outlier = FALSE
		   AND m.measured_at BETWEEN c.at - make_interval(secs => $3)
		                         AND c.at + make_interval(secs => $3)
		   AND %s <= $4
		 ORDER BY c.ref, c.at, l.id, abs(extract(epoch FROM (m.measured_at - c.at)))`,
		haversineMeters,
	)

	rows, err := r.db.Query(ctx, query, refs, ats, window.Seconds(), radiusMeters)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to batch query nearby pm25 readings", err)
	}
	defer rows.Close()

	return scanKeyedFloats(rows)
}

// UpsertBatch inserts measurement rows in a single multi-row INSERT. Rows
// conflicting on (location_id, measured_at) are skipped, making re-ingestion
// of the same readings idempotent. Returns the number of rows inserted.
//
// Callers are responsible for chunking: this method issues exactly one
// statement for the rows it is given.
func (r *MeasurementRepository) UpsertBatch(ctx context.Context, rows []types.Measurement) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	const colCount = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO measurements (
		location_id, measured_at,
		pm25, pm10, atmp, rhum, rco2, o3, no2,
		is_pm25_outlier, is_rco2_outlier
	) VALUES `)

	args := make([]any, 0, len(rows)*colCount)
	for i, m := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * colCount
		sb.WriteString("(")
		for j := 0; j < colCount; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j+1)
		}
		sb.WriteString(")")

		args = append(args,
			m.LocationID,
			m.MeasuredAt,
			m.PM25,
			m.PM10,
			m.ATMP,
			m.RHUM,
			m.RCO2,
			m.O3,
			m.NO2,
			m.IsPM25Outlier,
			m.IsRCO2Outlier,
		)
	}
	sb.WriteString(" ON CONFLICT (location_id, measured_at) DO NOTHING")

	tag, err := r.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to batch insert measurements", err)
	}
	return tag.RowsAffected(), nil
}

// candidateArrays splits classification candidates into parallel arrays for
// unnest-style parameterization.
func candidateArrays(points []types.DataPoint) ([]string, []time.Time) {
	refs := make([]string, len(points))
	ats := make([]time.Time, len(points))
	for i, p := range points {
		refs[i] = p.LocationReferenceID
		ats[i] = p.MeasuredAt.UTC()
	}
	return refs, ats
}

// scanFloatColumn collects a single float64 column from the result set.
func scanFloatColumn(rows pgx.Rows) ([]float64, error) {
	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reading value", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating reading rows", err)
	}
	return values, nil
}

// scanKeyedFloats collects (ref, at, value) rows into a map keyed by
// types.BatchKey(ref, at).
func scanKeyedFloats(rows pgx.Rows) (map[string][]float64, error) {
	result := make(map[string][]float64)
	for rows.Next() {
		var ref string
		var at time.Time
		var v float64
		if err := rows.Scan(&ref, &at, &v); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan keyed reading row", err)
		}
		key := types.BatchKey(ref, at)
		result[key] = append(result[key], v)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating keyed reading rows", err)
	}
	return result, nil
}
