package api

import (
	"net/http"
	"strconv"
	"time"

	"airsense/internal/cluster"
	"airsense/internal/measurements"
	"airsense/internal/outlier"
	"airsense/internal/types"
)

// maxClassifyBatchSize caps the number of points in one batch classification
// request.
const maxClassifyBatchSize = 1000

// HandleClusteredMeasurements serves GET /v1/measurements/current/cluster.
//
// Required query parameters: xmin, ymin, xmax, ymax (WGS84 degrees), zoom.
// Optional: measure (default pm25), excludeOutliers, outliersOnly, the
// dynamic outlier override parameters (radiusMeters, intervalHours,
// minNearbyCount, zScoreThreshold, absoluteThreshold), and the clustering
// parameters (minPoints, clusterRadius, maxZoom).
func (s *Server) HandleClusteredMeasurements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	bbox, err := parseBBox(query.Get("xmin"), query.Get("ymin"), query.Get("xmax"), query.Get("ymax"))
	if err != nil {
		Error(w, r, err)
		return
	}

	zoom, err := strconv.Atoi(query.Get("zoom"))
	if err != nil || zoom < 0 || zoom > 24 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidZoom, "zoom must be an integer between 0 and 24", err))
		return
	}

	measure := types.MeasurePM25
	if v := query.Get("measure"); v != "" {
		measure = types.Measure(v)
		if !measure.Valid() {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidMeasure, "unsupported measure: "+v, nil))
			return
		}
	}

	overrides, err := parseOutlierOverrides(query)
	if err != nil {
		Error(w, r, err)
		return
	}
	clusterOpts, err := parseClusterOptions(query)
	if err != nil {
		Error(w, r, err)
		return
	}

	q := measurements.ClusterQuery{
		BBox:             bbox,
		Zoom:             zoom,
		Measure:          measure,
		ExcludeOutliers:  parseBool(query.Get("excludeOutliers")),
		OutliersOnly:     parseBool(query.Get("outliersOnly")),
		OutlierOverrides: overrides,
		ClusterOptions:   clusterOpts,
	}

	clusters, err := s.Measurements.GetClustered(r.Context(), q)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, clusters)
}

// classifyRequest is the body for POST /v1/outliers/classify.
type classifyRequest struct {
	LocationReferenceID string            `json:"locationReferenceId"`
	PM25                *float64          `json:"pm25"`
	MeasuredAt          time.Time         `json:"measuredAt"`
	Overrides           *outlierOverrides `json:"overrides,omitempty"`
}

// classifyResponse is the body returned by classification endpoints.
type classifyResponse struct {
	LocationReferenceID string    `json:"locationReferenceId"`
	MeasuredAt          time.Time `json:"measuredAt"`
	IsOutlier           bool      `json:"isOutlier"`
}

// outlierOverrides is the JSON form of per-request threshold overrides.
type outlierOverrides struct {
	RadiusMeters      *float64 `json:"radiusMeters,omitempty"`
	IntervalHours     *float64 `json:"intervalHours,omitempty"`
	MinNearbyCount    *int     `json:"minNearbyCount,omitempty"`
	ZScoreThreshold   *float64 `json:"zScoreThreshold,omitempty"`
	AbsoluteThreshold *float64 `json:"absoluteThreshold,omitempty"`
}

func (o *outlierOverrides) toDomain() *outlier.Overrides {
	if o == nil {
		return nil
	}
	out := &outlier.Overrides{
		RadiusMeters:      o.RadiusMeters,
		MinNearbyCount:    o.MinNearbyCount,
		ZScoreThreshold:   o.ZScoreThreshold,
		AbsoluteThreshold: o.AbsoluteThreshold,
	}
	if o.IntervalHours != nil {
		interval := time.Duration(*o.IntervalHours * float64(time.Hour))
		out.MeasuredAtInterval = &interval
	}
	return out
}

// HandleClassify serves POST /v1/outliers/classify: classifies one reading
// against the store using configured or overridden thresholds.
func (s *Server) HandleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := validateClassifyRequest(&req); err != nil {
		Error(w, r, err)
		return
	}

	isOutlier, err := s.Outliers.Classify(r.Context(), req.LocationReferenceID, *req.PM25, req.MeasuredAt, req.Overrides.toDomain())
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, classifyResponse{
		LocationReferenceID: req.LocationReferenceID,
		MeasuredAt:          req.MeasuredAt.UTC(),
		IsOutlier:           isOutlier,
	})
}

// classifyBatchRequest is the body for POST /v1/outliers/classify/batch.
type classifyBatchRequest struct {
	Points    []classifyRequest `json:"points"`
	Overrides *outlierOverrides `json:"overrides,omitempty"`
}

// HandleClassifyBatch serves POST /v1/outliers/classify/batch: classifies up
// to 1000 readings in one round trip using the set-based query path.
func (s *Server) HandleClassifyBatch(w http.ResponseWriter, r *http.Request) {
	var req classifyBatchRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if len(req.Points) == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "points must not be empty", nil))
		return
	}
	if len(req.Points) > maxClassifyBatchSize {
		Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationBatchSize,
			"batch exceeds maximum size",
			nil,
			map[string]any{"max": maxClassifyBatchSize, "got": len(req.Points)},
		))
		return
	}

	points := make([]types.DataPoint, 0, len(req.Points))
	for i := range req.Points {
		if err := validateClassifyRequest(&req.Points[i]); err != nil {
			Error(w, r, err)
			return
		}
		points = append(points, types.DataPoint{
			LocationReferenceID: req.Points[i].LocationReferenceID,
			PM25:                *req.Points[i].PM25,
			MeasuredAt:          req.Points[i].MeasuredAt,
		})
	}

	flags, err := s.Outliers.ClassifyBatch(r.Context(), points, req.Overrides.toDomain())
	if err != nil {
		Error(w, r, err)
		return
	}

	results := make([]classifyResponse, 0, len(points))
	for _, p := range points {
		results = append(results, classifyResponse{
			LocationReferenceID: p.LocationReferenceID,
			MeasuredAt:          p.MeasuredAt.UTC(),
			IsOutlier:           flags[p.Key()],
		})
	}
	JSON(w, r, http.StatusOK, map[string]any{"results": results})
}

// nearbyStatsResponse is the body returned by the nearby-stats endpoint.
type nearbyStatsResponse struct {
	LocationReferenceID string    `json:"locationReferenceId"`
	MeasuredAt          time.Time `json:"measuredAt"`
	Mean                *float64  `json:"mean"`
	Stddev              *float64  `json:"stddev"`
	Count               int       `json:"count"`
}

// HandleNearbyStats serves GET /v1/outliers/nearby-stats: the neighbor mean
// and standard deviation a classification of the given location/time would
// see. Mean and stddev are null below the minimum neighbor count.
func (s *Server) HandleNearbyStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	ref := query.Get("locationReferenceId")
	if ref == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "locationReferenceId is required", nil))
		return
	}
	measuredAt, err := time.Parse(time.RFC3339, query.Get("measuredAt"))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "measuredAt must be an RFC3339 timestamp", err))
		return
	}
	overrides, err := parseOutlierOverrides(query)
	if err != nil {
		Error(w, r, err)
		return
	}

	stats, err := s.Outliers.NearbyStats(r.Context(), ref, measuredAt, overrides)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, nearbyStatsResponse{
		LocationReferenceID: ref,
		MeasuredAt:          measuredAt.UTC(),
		Mean:                stats.Mean,
		Stddev:              stats.Stddev,
		Count:               stats.Count,
	})
}

func validateClassifyRequest(req *classifyRequest) error {
	if req.LocationReferenceID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "locationReferenceId is required", nil)
	}
	if req.PM25 == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "pm25 is required", nil)
	}
	if req.MeasuredAt.IsZero() {
		return types.NewAppError(types.ErrCodeValidationMissingField, "measuredAt is required", nil)
	}
	return nil
}

func parseBBox(xmin, ymin, xmax, ymax string) (types.BBox, error) {
	var bbox types.BBox
	var err error
	if bbox.XMin, err = strconv.ParseFloat(xmin, 64); err != nil {
		return bbox, types.NewAppError(types.ErrCodeValidationInvalidBBox, "xmin must be a number", err)
	}
	if bbox.YMin, err = strconv.ParseFloat(ymin, 64); err != nil {
		return bbox, types.NewAppError(types.ErrCodeValidationInvalidBBox, "ymin must be a number", err)
	}
	if bbox.XMax, err = strconv.ParseFloat(xmax, 64); err != nil {
		return bbox, types.NewAppError(types.ErrCodeValidationInvalidBBox, "xmax must be a number", err)
	}
	if bbox.YMax, err = strconv.ParseFloat(ymax, 64); err != nil {
		return bbox, types.NewAppError(types.ErrCodeValidationInvalidBBox, "ymax must be a number", err)
	}
	if !bbox.Valid() {
		return bbox, types.NewAppError(types.ErrCodeValidationInvalidBBox, "bounding box is degenerate or out of range", nil)
	}
	return bbox, nil
}

// parseOutlierOverrides builds dynamic threshold overrides from query
// parameters. Returns nil when none are present, which tells the service to
// trust the stored outlier flags.
func parseOutlierOverrides(query map[string][]string) (*outlier.Overrides, error) {
	get := func(name string) string {
		if vs := query[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var o outlier.Overrides
	present := false

	if v := get("radiusMeters"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "radiusMeters must be a positive number", err)
		}
		o.RadiusMeters = &f
		present = true
	}
	if v := get("intervalHours"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "intervalHours must be a positive number", err)
		}
		interval := time.Duration(f * float64(time.Hour))
		o.MeasuredAtInterval = &interval
		present = true
	}
	if v := get("minNearbyCount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "minNearbyCount must be a positive integer", err)
		}
		o.MinNearbyCount = &n
		present = true
	}
	if v := get("zScoreThreshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "zScoreThreshold must be a positive number", err)
		}
		o.ZScoreThreshold = &f
		present = true
	}
	if v := get("absoluteThreshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "absoluteThreshold must be a positive number", err)
		}
		o.AbsoluteThreshold = &f
		present = true
	}

	if !present {
		return nil, nil
	}
	return &o, nil
}

func parseClusterOptions(query map[string][]string) (*cluster.Options, error) {
	get := func(name string) string {
		if vs := query[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	var opts cluster.Options
	present := false

	if v := get("minPoints"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "minPoints must be a positive integer", err)
		}
		opts.MinPoints = &n
		present = true
	}
	if v := get("clusterRadius"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, types.NewAppError(types.ErrCodeValidationMissingField, "clusterRadius must be a positive number", err)
		}
		opts.Radius = &f
		present = true
	}
	if v := get("maxZoom"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidZoom, "maxZoom must be a non-negative integer", err)
		}
		opts.MaxZoom = &n
		present = true
	}

	if !present {
		return nil, nil
	}
	return &opts, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
