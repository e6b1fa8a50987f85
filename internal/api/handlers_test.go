package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"airsense/internal/config"
	"airsense/internal/measurements"
	"airsense/internal/outlier"
	"airsense/internal/types"
)

// --- Mock Services ---

type mockClusterService struct {
	lastQuery measurements.ClusterQuery
	result    []types.Cluster
	err       error
}

func (m *mockClusterService) GetClustered(_ context.Context, q measurements.ClusterQuery) ([]types.Cluster, error) {
	m.lastQuery = q
	return m.result, m.err
}

type mockStatsProvider struct {
	lastOverrides *outlier.Overrides
	lastPoints    []types.DataPoint

	classifyResult bool
	classifyErr    error
	batchResult    map[string]bool
	batchErr       error
	statsResult    types.NearbyPM25Stats
	statsErr       error
}

func (m *mockStatsProvider) Classify(_ context.Context, _ string, _ float64, _ time.Time, o *outlier.Overrides) (bool, error) {
	m.lastOverrides = o
	return m.classifyResult, m.classifyErr
}

func (m *mockStatsProvider) ClassifyBatch(_ context.Context, points []types.DataPoint, o *outlier.Overrides) (map[string]bool, error) {
	m.lastPoints = points
	m.lastOverrides = o
	return m.batchResult, m.batchErr
}

func (m *mockStatsProvider) NearbyStats(_ context.Context, _ string, _ time.Time, o *outlier.Overrides) (types.NearbyPM25Stats, error) {
	m.lastOverrides = o
	return m.statsResult, m.statsErr
}

// --- Helpers ---

func newTestServer(t *testing.T, svc ClusterService, stats StatsProvider) *Server {
	t.Helper()
	cfg := &config.Config{}
	srv, err := NewServer(cfg, svc, stats, slog.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.MountRoutes()
	return srv
}

func doRequest(srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp APIErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp.Error.Code
}

// --- Cluster Endpoint ---

func TestHandleClusteredMeasurements_Success(t *testing.T) {
	svc := &mockClusterService{
		result: []types.Cluster{
			{Latitude: 18.79, Longitude: 98.98, Count: 4, Value: 35.2, IsCluster: true},
		},
	}
	srv := newTestServer(t, svc, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodGet, "/v1/measurements/current/cluster?xmin=98&ymin=18&xmax=100&ymax=20&zoom=8", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var clusters []types.Cluster
	if err := json.NewDecoder(rec.Body).Decode(&clusters); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(clusters) != 1 || clusters[0].Count != 4 {
		t.Errorf("unexpected clusters: %+v", clusters)
	}

	q := svc.lastQuery
	if q.Zoom != 8 {
		t.Errorf("expected zoom 8, got %d", q.Zoom)
	}
	if q.Measure != types.MeasurePM25 {
		t.Errorf("expected default measure pm25, got %s", q.Measure)
	}
	if q.ExcludeOutliers || q.OutliersOnly {
		t.Error("outlier filters should default to false")
	}
	if q.OutlierOverrides != nil {
		t.Error("expected nil overrides when no override params are present")
	}
}

func TestHandleClusteredMeasurements_PassesFiltersAndOverrides(t *testing.T) {
	svc := &mockClusterService{result: []types.Cluster{}}
	srv := newTestServer(t, svc, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodGet,
		"/v1/measurements/current/cluster?xmin=98&ymin=18&xmax=100&ymax=20&zoom=8"+
			"&measure=pm10&excludeOutliers=true&radiusMeters=5000&intervalHours=1&minPoints=3", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	q := svc.lastQuery
	if q.Measure != types.MeasurePM10 {
		t.Errorf("expected measure pm10, got %s", q.Measure)
	}
	if !q.ExcludeOutliers {
		t.Error("expected excludeOutliers to be set")
	}
	if q.OutlierOverrides == nil || q.OutlierOverrides.RadiusMeters == nil || *q.OutlierOverrides.RadiusMeters != 5000 {
		t.Errorf("expected radius override 5000, got %+v", q.OutlierOverrides)
	}
	if q.OutlierOverrides.MeasuredAtInterval == nil || *q.OutlierOverrides.MeasuredAtInterval != time.Hour {
		t.Errorf("expected interval override 1h, got %+v", q.OutlierOverrides)
	}
	if q.ClusterOptions == nil || q.ClusterOptions.MinPoints == nil || *q.ClusterOptions.MinPoints != 3 {
		t.Errorf("expected minPoints override 3, got %+v", q.ClusterOptions)
	}
}

func TestHandleClusteredMeasurements_InvalidBBox(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	cases := []string{
		"zoom=8",                                     // bbox missing entirely
		"xmin=abc&ymin=18&xmax=100&ymax=20&zoom=8",   // non-numeric
		"xmin=100&ymin=18&xmax=98&ymax=20&zoom=8",    // xmin > xmax
		"xmin=98&ymin=18&xmax=100&ymax=200&zoom=8",   // latitude out of range
	}
	for _, qs := range cases {
		rec := doRequest(srv, http.MethodGet, "/v1/measurements/current/cluster?"+qs, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", qs, rec.Code)
			continue
		}
		if code := decodeErrorCode(t, rec); code != string(types.ErrCodeValidationInvalidBBox) {
			t.Errorf("query %q: expected bbox error code, got %s", qs, code)
		}
	}
}

func TestHandleClusteredMeasurements_InvalidZoom(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	for _, zoom := range []string{"", "abc", "-1", "25"} {
		rec := doRequest(srv, http.MethodGet, "/v1/measurements/current/cluster?xmin=98&ymin=18&xmax=100&ymax=20&zoom="+zoom, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("zoom %q: expected 400, got %d", zoom, rec.Code)
		}
	}
}

func TestHandleClusteredMeasurements_InvalidMeasure(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodGet, "/v1/measurements/current/cluster?xmin=98&ymin=18&xmax=100&ymax=20&zoom=8&measure=co2", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(types.ErrCodeValidationInvalidMeasure) {
		t.Errorf("expected invalid measure code, got %s", code)
	}
}

func TestHandleClusteredMeasurements_ServiceError(t *testing.T) {
	svc := &mockClusterService{
		err: types.NewAppError(types.ErrCodeInternalDB, "query failed", errors.New("boom")),
	}
	srv := newTestServer(t, svc, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodGet, "/v1/measurements/current/cluster?xmin=98&ymin=18&xmax=100&ymax=20&zoom=8", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(types.ErrCodeInternalDB) {
		t.Errorf("expected internal db code, got %s", code)
	}
}

// --- Classify Endpoint ---

func TestHandleClassify_Success(t *testing.T) {
	stats := &mockStatsProvider{classifyResult: true}
	srv := newTestServer(t, &mockClusterService{}, stats)

	body := []byte(`{"locationReferenceId": "ag-1", "pm25": 150.0, "measuredAt": "2026-03-14T10:00:00Z"}`)
	rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp classifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.IsOutlier || resp.LocationReferenceID != "ag-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if stats.lastOverrides != nil {
		t.Error("expected nil overrides when body carries none")
	}
}

func TestHandleClassify_OverridesForwarded(t *testing.T) {
	stats := &mockStatsProvider{}
	srv := newTestServer(t, &mockClusterService{}, stats)

	body := []byte(`{
		"locationReferenceId": "ag-1",
		"pm25": 20.0,
		"measuredAt": "2026-03-14T10:00:00Z",
		"overrides": {"zScoreThreshold": 3.0, "intervalHours": 0.5}
	}`)
	rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stats.lastOverrides == nil || stats.lastOverrides.ZScoreThreshold == nil || *stats.lastOverrides.ZScoreThreshold != 3.0 {
		t.Fatalf("expected z-score override 3.0, got %+v", stats.lastOverrides)
	}
	if stats.lastOverrides.MeasuredAtInterval == nil || *stats.lastOverrides.MeasuredAtInterval != 30*time.Minute {
		t.Errorf("expected interval override 30m, got %+v", stats.lastOverrides.MeasuredAtInterval)
	}
}

func TestHandleClassify_MissingFields(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	cases := []string{
		`{"pm25": 20.0, "measuredAt": "2026-03-14T10:00:00Z"}`,
		`{"locationReferenceId": "ag-1", "measuredAt": "2026-03-14T10:00:00Z"}`,
		`{"locationReferenceId": "ag-1", "pm25": 20.0}`,
	}
	for _, body := range cases {
		rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify", []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
			continue
		}
		if code := decodeErrorCode(t, rec); code != string(types.ErrCodeValidationMissingField) {
			t.Errorf("body %s: expected missing field code, got %s", body, code)
		}
	}
}

func TestHandleClassify_MalformedJSON(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify", []byte(`{"pm25": `))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- Classify Batch Endpoint ---

func TestHandleClassifyBatch_Success(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	stats := &mockStatsProvider{
		batchResult: map[string]bool{
			types.BatchKey("ag-1", at): true,
		},
	}
	srv := newTestServer(t, &mockClusterService{}, stats)

	body := []byte(`{"points": [
		{"locationReferenceId": "ag-1", "pm25": 150.0, "measuredAt": "2026-03-14T10:00:00Z"},
		{"locationReferenceId": "ag-2", "pm25": 20.0, "measuredAt": "2026-03-14T10:00:00Z"}
	]}`)
	rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify/batch", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results []classifyResponse `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if !resp.Results[0].IsOutlier || resp.Results[1].IsOutlier {
		t.Errorf("unexpected flags: %+v", resp.Results)
	}
	if len(stats.lastPoints) != 2 {
		t.Errorf("expected 2 points passed through, got %d", len(stats.lastPoints))
	}
}

func TestHandleClassifyBatch_Empty(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify/batch", []byte(`{"points": []}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleClassifyBatch_TooLarge(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	var req classifyBatchRequest
	for range maxClassifyBatchSize + 1 {
		pm := 20.0
		req.Points = append(req.Points, classifyRequest{
			LocationReferenceID: "ag-1",
			PM25:                &pm,
			MeasuredAt:          time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		})
	}
	body, _ := json.Marshal(req)

	rec := doRequest(srv, http.MethodPost, "/v1/outliers/classify/batch", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(types.ErrCodeValidationBatchSize) {
		t.Errorf("expected batch size code, got %s", code)
	}
}

// --- Nearby Stats Endpoint ---

func TestHandleNearbyStats_Success(t *testing.T) {
	mean, stddev := 82.5, 10.4
	stats := &mockStatsProvider{
		statsResult: types.NearbyPM25Stats{Mean: &mean, Stddev: &stddev, Count: 5},
	}
	srv := newTestServer(t, &mockClusterService{}, stats)

	rec := doRequest(srv, http.MethodGet, "/v1/outliers/nearby-stats?locationReferenceId=ag-1&measuredAt=2026-03-14T10:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp nearbyStatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 5 || resp.Mean == nil || *resp.Mean != 82.5 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleNearbyStats_BelowMinimumNeighbors(t *testing.T) {
	stats := &mockStatsProvider{
		statsResult: types.NearbyPM25Stats{Count: 1},
	}
	srv := newTestServer(t, &mockClusterService{}, stats)

	rec := doRequest(srv, http.MethodGet, "/v1/outliers/nearby-stats?locationReferenceId=ag-1&measuredAt=2026-03-14T10:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["mean"] != nil || resp["stddev"] != nil {
		t.Errorf("expected null mean/stddev, got %+v", resp)
	}
}

func TestHandleNearbyStats_MissingParams(t *testing.T) {
	srv := newTestServer(t, &mockClusterService{}, &mockStatsProvider{})

	rec := doRequest(srv, http.MethodGet, "/v1/outliers/nearby-stats?measuredAt=2026-03-14T10:00:00Z", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ref: expected 400, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/v1/outliers/nearby-stats?locationReferenceId=ag-1&measuredAt=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp: expected 400, got %d", rec.Code)
	}
}
