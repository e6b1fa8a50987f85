package outlier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"airsense/internal/config"
	"airsense/internal/types"
)

// mockRepository implements Repository for classifier tests.
type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) PM25ReadingsBefore(ctx context.Context, ref string, at time.Time, window time.Duration) ([]float64, error) {
	args := m.Called(ctx, ref, at, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float64), args.Error(1)
}

func (m *mockRepository) PM25ReadingsBeforeBatch(ctx context.Context, points []types.DataPoint, window time.Duration) (map[string][]float64, error) {
	args := m.Called(ctx, points, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]float64), args.Error(1)
}

func (m *mockRepository) NearbyNearestPM25(ctx context.Context, ref string, at time.Time, radiusMeters float64, window time.Duration) ([]float64, error) {
	args := m.Called(ctx, ref, at, radiusMeters, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float64), args.Error(1)
}

func (m *mockRepository) NearbyNearestPM25Batch(ctx context.Context, points []types.DataPoint, radiusMeters float64, window time.Duration) (map[string][]float64, error) {
	args := m.Called(ctx, points, radiusMeters, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string][]float64), args.Error(1)
}

func testConfig() config.OutlierConfig {
	return config.OutlierConfig{
		RadiusMeters:          10000,
		MeasuredAtInterval:    2 * time.Hour,
		MinNearbyCount:        3,
		ZScoreThreshold:       2.0,
		AbsoluteThreshold:     10,
		StuckWindow:           24 * time.Hour,
		StuckMinPriorReadings: 3,
	}
}

var testAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func TestClassify_StuckSensor(t *testing.T) {
	tests := []struct {
		name  string
		pm25  float64
		prior []float64
		want  bool
	}{
		{"all prior equal non-zero", 42.5, []float64{42.5, 42.5, 42.5}, true},
		{"more than minimum prior all equal", 17, []float64{17, 17, 17, 17, 17}, true},
		{"one prior differs", 42.5, []float64{42.5, 42.6, 42.5}, false},
		{"too few prior readings", 42.5, []float64{42.5, 42.5}, false},
		{"sustained zero is clean air", 0, []float64{0, 0, 0, 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepository{}
			repo.On("PM25ReadingsBefore", mock.Anything, "loc-1", testAt, 24*time.Hour).
				Return(tt.prior, nil)
			if !tt.want {
				// The spatial check runs only when the stuck check abstains.
				repo.On("NearbyNearestPM25", mock.Anything, "loc-1", testAt, 10000.0, 2*time.Hour).
					Return([]float64{}, nil)
			}

			c := NewClassifier(repo, testConfig())
			got, err := c.Classify(context.Background(), "loc-1", tt.pm25, testAt, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			repo.AssertExpectations(t)
		})
	}
}

func TestClassify_SpatialDeviation(t *testing.T) {
	tests := []struct {
		name   string
		pm25   float64
		nearby []float64
		want   bool
	}{
		// mean=80, sample stddev=10: z-score regime.
		{"polluted regime above z threshold", 105, []float64{70, 80, 90}, true},
		{"polluted regime within z threshold", 95, []float64{70, 80, 90}, false},
		{"polluted regime low-side outlier", 55, []float64{70, 80, 90}, true},
		// mean=20: absolute-deviation regime.
		{"clean regime above absolute threshold", 35, []float64{18, 20, 22}, true},
		{"clean regime within absolute threshold", 28, []float64{18, 20, 22}, false},
		{"clean regime exactly at threshold", 30, []float64{18, 20, 22}, false},
		// Fewer neighbors than required: abstain.
		{"insufficient neighbors", 500, []float64{20, 21}, false},
		{"no neighbors at all", 500, []float64{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepository{}
			repo.On("PM25ReadingsBefore", mock.Anything, "loc-1", testAt, 24*time.Hour).
				Return([]float64{}, nil)
			repo.On("NearbyNearestPM25", mock.Anything, "loc-1", testAt, 10000.0, 2*time.Hour).
				Return(tt.nearby, nil)

			c := NewClassifier(repo, testConfig())
			got, err := c.Classify(context.Background(), "loc-1", tt.pm25, testAt, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_PollutedRegimeZeroVariance(t *testing.T) {
	repo := &mockRepository{}
	repo.On("PM25ReadingsBefore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]float64{}, nil)
	repo.On("NearbyNearestPM25", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]float64{60, 60, 60}, nil)

	c := NewClassifier(repo, testConfig())

	// Identical neighbors at a polluted level: any deviation is flagged.
	got, err := c.Classify(context.Background(), "loc-1", 61, testAt, nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = c.Classify(context.Background(), "loc-1", 60, testAt, nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestClassify_Overrides(t *testing.T) {
	radius := 5000.0
	interval := time.Hour
	minNearby := 2
	zScore := 1.0

	repo := &mockRepository{}
	repo.On("PM25ReadingsBefore", mock.Anything, "loc-1", testAt, 24*time.Hour).
		Return([]float64{}, nil)
	// Overridden radius and window must reach the repository.
	repo.On("NearbyNearestPM25", mock.Anything, "loc-1", testAt, 5000.0, time.Hour).
		Return([]float64{70, 90}, nil)

	c := NewClassifier(repo, testConfig())
	got, err := c.Classify(context.Background(), "loc-1", 105, testAt, &Overrides{
		RadiusMeters:       &radius,
		MeasuredAtInterval: &interval,
		MinNearbyCount:     &minNearby,
		ZScoreThreshold:    &zScore,
	})
	require.NoError(t, err)
	// mean=80, stddev≈14.14, z≈1.77 > 1.0 with only 2 neighbors allowed.
	assert.True(t, got)
	repo.AssertExpectations(t)
}

func TestClassify_RepositoryErrorPropagates(t *testing.T) {
	repo := &mockRepository{}
	repo.On("PM25ReadingsBefore", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	c := NewClassifier(repo, testConfig())
	_, err := c.Classify(context.Background(), "loc-1", 42, testAt, nil)
	assert.Error(t, err)
}

func TestClassifyBatch(t *testing.T) {
	points := []types.DataPoint{
		{LocationReferenceID: "a", PM25: 42.5, MeasuredAt: testAt},
		{LocationReferenceID: "b", PM25: 200, MeasuredAt: testAt},
		{LocationReferenceID: "c", PM25: 21, MeasuredAt: testAt},
	}
	keyA, keyB, keyC := points[0].Key(), points[1].Key(), points[2].Key()

	repo := &mockRepository{}
	repo.On("PM25ReadingsBeforeBatch", mock.Anything, points, 24*time.Hour).
		Return(map[string][]float64{
			keyA: {42.5, 42.5, 42.5}, // stuck
			keyB: {180, 190},
		}, nil)
	repo.On("NearbyNearestPM25Batch", mock.Anything, points, 10000.0, 2*time.Hour).
		Return(map[string][]float64{
			keyB: {18, 20, 22}, // clean regime, 200 deviates
			keyC: {18, 20, 22}, // clean regime, 21 within threshold
		}, nil)

	c := NewClassifier(repo, testConfig())
	flags, err := c.ClassifyBatch(context.Background(), points, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{
		keyA: true,
		keyB: true,
		keyC: false,
	}, flags)
	repo.AssertExpectations(t)
}

func TestClassifyBatch_Empty(t *testing.T) {
	repo := &mockRepository{}
	c := NewClassifier(repo, testConfig())

	flags, err := c.ClassifyBatch(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, flags)
	// No queries for an empty batch.
	repo.AssertNotCalled(t, "PM25ReadingsBeforeBatch")
	repo.AssertNotCalled(t, "NearbyNearestPM25Batch")
}

func TestNearbyStats(t *testing.T) {
	repo := &mockRepository{}
	repo.On("NearbyNearestPM25", mock.Anything, "loc-1", testAt, 10000.0, 2*time.Hour).
		Return([]float64{70, 80, 90}, nil)

	c := NewClassifier(repo, testConfig())
	stats, err := c.NearbyStats(context.Background(), "loc-1", testAt, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Count)
	require.NotNil(t, stats.Mean)
	require.NotNil(t, stats.Stddev)
	assert.InDelta(t, 80.0, *stats.Mean, 1e-9)
	assert.InDelta(t, 10.0, *stats.Stddev, 1e-9)
}

func TestNearbyStats_BelowMinimumCount(t *testing.T) {
	repo := &mockRepository{}
	repo.On("NearbyNearestPM25", mock.Anything, "loc-1", testAt, 10000.0, 2*time.Hour).
		Return([]float64{70, 80}, nil)

	c := NewClassifier(repo, testConfig())
	stats, err := c.NearbyStats(context.Background(), "loc-1", testAt, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Count)
	assert.Nil(t, stats.Mean)
	assert.Nil(t, stats.Stddev)
}

func TestBatchKeyFormat(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 30, 0, 0, time.FixedZone("ICT", 7*3600))
	key := types.BatchKey("ag-123", at)
	assert.Equal(t, "ag-123_2026-03-14T03:30:00Z", key)
}

func TestSampleStats(t *testing.T) {
	mean, stddev := sampleStats([]float64{70, 80, 90})
	assert.InDelta(t, 80.0, mean, 1e-9)
	assert.InDelta(t, 10.0, stddev, 1e-9)

	mean, stddev = sampleStats([]float64{5})
	assert.Equal(t, 5.0, mean)
	assert.Equal(t, 0.0, stddev)

	mean, stddev = sampleStats(nil)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, stddev)
}
