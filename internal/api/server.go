// Package api provides the HTTP chassis for the AirSense service: a chi
// router with cross-cutting middleware (recovery, request IDs, security
// headers, logging, CORS) in front of thin measurement handlers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"airsense/internal/config"
	"airsense/internal/measurements"
	"airsense/internal/outlier"
	"airsense/internal/types"
)

// StatsProvider answers single-point classification and neighbor-statistics
// queries. Implemented by *outlier.Classifier.
type StatsProvider interface {
	Classify(ctx context.Context, locationReferenceID string, pm25 float64, measuredAt time.Time, o *outlier.Overrides) (bool, error)
	ClassifyBatch(ctx context.Context, points []types.DataPoint, o *outlier.Overrides) (map[string]bool, error)
	NearbyStats(ctx context.Context, locationReferenceID string, measuredAt time.Time, o *outlier.Overrides) (types.NearbyPM25Stats, error)
}

// ClusterService serves clustered map queries. Implemented by
// *measurements.Service.
type ClusterService interface {
	GetClustered(ctx context.Context, q measurements.ClusterQuery) ([]types.Cluster, error)
}

// Server wires the router, configuration, and domain services together. All
// dependencies are injected so tests can swap in fakes.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Measurements ClusterService
	Outliers     StatsProvider
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer validates dependencies and prepares a server with an empty
// router. The caller mounts routes afterwards, which lets tests register a
// subset.
func NewServer(cfg *config.Config, svc ClusterService, classifier StatsProvider, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("measurement service must not be nil")
	}
	if classifier == nil {
		return nil, fmt.Errorf("outlier classifier must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:       cfg,
		Logger:       logger,
		Measurements: svc,
		Outliers:     classifier,
		router:       chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server use.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
