package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"airsense/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Rows ---

// mockRows implements pgx.Rows for Query results. Scan supports the
// destination types used by the repository scan helpers; a nil cell scans
// into a nil pointer for nullable columns.
type mockRows struct {
	data    [][]any
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *int:
			*v = row[i].(int)
		case *string:
			*v = row[i].(string)
		case *bool:
			*v = row[i].(bool)
		case *float64:
			*v = row[i].(float64)
		case *time.Time:
			*v = row[i].(time.Time)
		case **float64:
			if row[i] == nil {
				*v = nil
			} else {
				f := row[i].(float64)
				*v = &f
			}
		case *types.DataSource:
			*v = types.DataSource(row[i].(string))
		case *types.SensorType:
			*v = types.SensorType(row[i].(string))
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// measurementRow builds a row in measurementColumns order.
func measurementRow(locID int, ref string, at time.Time, pm25 any, isOutlier bool) []any {
	return []any{
		locID, ref, "station " + ref, at,
		pm25, nil, nil, 55.0, nil, nil, nil,
		isOutlier, false,
		"AirGradient", "Small Sensor", 18.79, 98.98,
	}
}

var (
	testBBox = types.BBox{XMin: 98.9, YMin: 18.7, XMax: 99.1, YMax: 18.9}
	testAt   = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
)

// --- MeasurementRepository tests ---

func TestLatestByBBox(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	rows := newMockRows([][]any{
		measurementRow(1, "a", testAt, 20.5, false),
		measurementRow(2, "b", testAt, nil, false),
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{testBBox.XMin, testBBox.XMax, testBBox.YMin, testBBox.YMax}).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "DISTINCT ON (l.id)")
			assert.Contains(t, sql, "m.measured_at DESC")
			assert.NotContains(t, sql, "is_pm25_outlier = FALSE")
		}).
		Return(rows, nil)

	result, err := repo.LatestByBBox(context.Background(), testBBox, types.MeasurePM25, false)
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, 1, result[0].LocationID)
	assert.Equal(t, "a", result[0].LocationReferenceID)
	require.NotNil(t, result[0].PM25)
	assert.Equal(t, 20.5, *result[0].PM25)
	assert.Equal(t, types.DataSourceAirGradient, result[0].DataSource)
	assert.Nil(t, result[1].PM25)

	db.AssertExpectations(t)
}

func TestLatestByBBox_ExcludeStoredOutliersFilter(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			assert.Contains(t, args.Get(1).(string), "m.is_pm25_outlier = FALSE")
		}).
		Return(newMockRows(nil), nil)

	_, err := repo.LatestByBBox(context.Background(), testBBox, types.MeasurePM25, true)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestLatestByBBox_RejectsUnknownMeasure(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	_, err := repo.LatestByBBox(context.Background(), testBBox, types.Measure("co"), false)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidMeasure, appErr.Code)
	db.AssertNotCalled(t, "Query")
}

func TestPM25ReadingsBefore(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	rows := newMockRows([][]any{{42.5}, {42.5}, {42.5}})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{"ref-1", testAt, (24 * time.Hour).Seconds()}).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			// Inclusive lower boundary, exclusive at the candidate itself.
			assert.Contains(t, sql, "m.measured_at >= $2::timestamptz - make_interval(secs => $3)")
			assert.Contains(t, sql, "m.measured_at < $2::timestamptz")
		}).
		Return(rows, nil)

	values, err := repo.PM25ReadingsBefore(context.Background(), "ref-1", testAt, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{42.5, 42.5, 42.5}, values)
	db.AssertExpectations(t)
}

func TestPM25ReadingsBeforeBatch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	points := []types.DataPoint{
		{LocationReferenceID: "a", PM25: 42.5, MeasuredAt: testAt},
		{LocationReferenceID: "b", PM25: 18, MeasuredAt: testAt},
	}

	rows := newMockRows([][]any{
		{"a", testAt, 42.5},
		{"a", testAt, 42.5},
		{"b", testAt, 17.0},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{[]string{"a", "b"}, []time.Time{testAt, testAt}, (24 * time.Hour).Seconds()}).
		Run(func(args mock.Arguments) {
			assert.Contains(t, args.Get(1).(string), "unnest($1::text[], $2::timestamptz[])")
		}).
		Return(rows, nil)

	result, err := repo.PM25ReadingsBeforeBatch(context.Background(), points, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string][]float64{
		types.BatchKey("a", testAt): {42.5, 42.5},
		types.BatchKey("b", testAt): {17.0},
	}, result)
	db.AssertExpectations(t)
}

func TestPM25ReadingsBeforeBatch_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	result, err := repo.PM25ReadingsBeforeBatch(context.Background(), nil, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, result)
	db.AssertNotCalled(t, "Query")
}

func TestNearbyNearestPM25(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	rows := newMockRows([][]any{{18.0}, {20.0}, {22.0}})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{"ref-1", testAt, (2 * time.Hour).Seconds(), 10000.0}).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			// One reading per neighbor, stored outliers excluded, geodesic
			// distance bound.
			assert.Contains(t, sql, "DISTINCT ON (l.id)")
			assert.Contains(t, sql, "m.is_pm25_outlier = FALSE")
			assert.Contains(t, sql, "6371000")
			assert.Contains(t, sql, "l.id <> o.id")
		}).
		Return(rows, nil)

	values, err := repo.NearbyNearestPM25(context.Background(), "ref-1", testAt, 10000, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []float64{18, 20, 22}, values)
	db.AssertExpectations(t)
}

func TestNearbyNearestPM25Batch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	points := []types.DataPoint{
		{LocationReferenceID: "a", PM25: 200, MeasuredAt: testAt},
	}

	rows := newMockRows([][]any{
		{"a", testAt, 18.0},
		{"a", testAt, 20.0},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"),
		[]any{[]string{"a"}, []time.Time{testAt}, (2 * time.Hour).Seconds(), 10000.0}).
		Run(func(args mock.Arguments) {
			assert.Contains(t, args.Get(1).(string), "DISTINCT ON (c.ref, c.at, l.id)")
		}).
		Return(rows, nil)

	result, err := repo.NearbyNearestPM25Batch(context.Background(), points, 10000, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string][]float64{
		types.BatchKey("a", testAt): {18, 20},
	}, result)
	db.AssertExpectations(t)
}

func TestUpsertBatch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	pm25 := 20.5
	rows := []types.Measurement{
		{LocationID: 1, MeasuredAt: testAt, PM25: &pm25, IsPM25Outlier: false},
		{LocationID: 2, MeasuredAt: testAt, IsPM25Outlier: true},
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "ON CONFLICT (location_id, measured_at) DO NOTHING")
			assert.Contains(t, sql, "$22", "two rows of eleven columns each")
			assert.NotContains(t, sql, "$23")

			passed := args.Get(2).([]any)
			assert.Len(t, passed, 22)
			assert.Equal(t, 1, passed[0])
			assert.Equal(t, true, passed[20])
		}).
		Return(pgconn.NewCommandTag("INSERT 0 2"), nil)

	inserted, err := repo.UpsertBatch(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)
	db.AssertExpectations(t)
}

func TestUpsertBatch_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	inserted, err := repo.UpsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	db.AssertNotCalled(t, "Exec")
}

func TestQueryErrorWrapsAsDatabaseError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMeasurementRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, assert.AnError)

	_, err := repo.PM25ReadingsBefore(context.Background(), "ref-1", testAt, 24*time.Hour)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
