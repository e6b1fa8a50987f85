package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"airsense/internal/types"
)

// LocationRepository provides data access for the locations table.
type LocationRepository struct {
	db DBTX
}

// NewLocationRepository creates a LocationRepository backed by the given
// database connection (pool or transaction).
func NewLocationRepository(db DBTX) *LocationRepository {
	return &LocationRepository{db: db}
}

const locationColumns = `id, reference_id, name, latitude, longitude, data_source, sensor_type`

func scanLocation(row pgx.Row) (*types.Location, error) {
	var l types.Location
	err := row.Scan(
		&l.ID,
		&l.ReferenceID,
		&l.Name,
		&l.Latitude,
		&l.Longitude,
		&l.DataSource,
		&l.SensorType,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetByReferenceID retrieves a location by its external reference id and
// data source. Returns ErrCodeNotFoundLocation if no such location exists.
func (r *LocationRepository) GetByReferenceID(ctx context.Context, referenceID string, source types.DataSource) (*types.Location, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+locationColumns+`
		 FROM locations
		 WHERE reference_id = $1 AND data_source = $2`,
		referenceID, source,
	)

	loc, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundLocation, "location not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve location", err)
	}
	return loc, nil
}

// Upsert inserts the location or, on conflict with (reference_id,
// data_source), refreshes its name, coordinates, and sensor type. The
// location id is written back into loc.
func (r *LocationRepository) Upsert(ctx context.Context, loc *types.Location) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO locations (reference_id, name, latitude, longitude, data_source, sensor_type)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (reference_id, data_source) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			sensor_type = EXCLUDED.sensor_type
		 RETURNING id`,
		loc.ReferenceID, loc.Name, loc.Latitude, loc.Longitude, loc.DataSource, loc.SensorType,
	).Scan(&loc.ID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert location", err)
	}
	return nil
}

// ResolveReferenceIDs maps location reference ids to internal ids in a single
// query. Unknown references are absent from the returned map; callers decide
// whether that is a data error or a skip.
func (r *LocationRepository) ResolveReferenceIDs(ctx context.Context, referenceIDs []string) (map[string]int, error) {
	if len(referenceIDs) == 0 {
		return map[string]int{}, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT reference_id, id FROM locations WHERE reference_id = ANY($1)`,
		referenceIDs,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve location references", err)
	}
	defer rows.Close()

	result := make(map[string]int, len(referenceIDs))
	for rows.Next() {
		var ref string
		var id int
		if err := rows.Scan(&ref, &id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan location reference row", err)
		}
		result[ref] = id
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating location reference rows", err)
	}

	return result, nil
}
