// Package cluster groups point measurements into map clusters for rendering
// at a given zoom level. It follows the supercluster approach: points are
// projected into normalized spherical-mercator space, indexed in a quadtree,
// and merged greedily when they fall within a pixel radius at the requested
// zoom. Cluster values aggregate by sum; callers divide by count when they
// want a mean, so the raw sum stays available for custom weighting.
package cluster

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/quadtree"

	"airsense/internal/config"
	"airsense/internal/types"
)

// Feature property keys used on cluster input points.
const (
	PropLocationID   = "locationId"
	PropLocationName = "locationName"
	PropSensorType   = "sensorType"
	PropDataSource   = "dataSource"
	PropValue        = "value"
)

// Options overrides the configured clustering parameters for one request.
// Nil fields fall back to the engine defaults.
type Options struct {
	MinPoints *int
	Radius    *float64
	MaxZoom   *int
}

// Engine clusters point features. It holds only immutable defaults and is
// safe for concurrent use; each Cluster call builds its own index.
type Engine struct {
	cfg config.ClusterConfig
}

// NewEngine creates an Engine with the given default parameters.
func NewEngine(cfg config.ClusterConfig) *Engine {
	return &Engine{cfg: cfg}
}

// indexedPoint ties a projected point back to its input feature. The Point()
// method satisfies orb.Pointer for quadtree storage.
type indexedPoint struct {
	pt  orb.Point
	idx int
}

func (p *indexedPoint) Point() orb.Point { return p.pt }

// Cluster groups the input features at the given zoom level. Input order
// determines cluster seeding, so identical input yields identical output.
// Above the effective max zoom, clustering is skipped entirely and the input
// points are returned 1:1 as unclustered features: at high zoom individual
// sensors are distinguishable and aggregation would hide them.
//
// Input features are not mutated. Empty input returns an empty slice.
func (e *Engine) Cluster(features []*geojson.Feature, zoom int, opts *Options) []types.Cluster {
	minPoints, radius, maxZoom := e.cfg.MinPoints, e.cfg.Radius, e.cfg.MaxZoom
	if opts != nil {
		if opts.MinPoints != nil {
			minPoints = *opts.MinPoints
		}
		if opts.Radius != nil {
			radius = *opts.Radius
		}
		if opts.MaxZoom != nil {
			maxZoom = *opts.MaxZoom
		}
	}

	if len(features) == 0 {
		return []types.Cluster{}
	}

	if zoom > maxZoom {
		out := make([]types.Cluster, 0, len(features))
		for _, f := range features {
			out = append(out, singlePointCluster(f))
		}
		return out
	}

	// Pixel radius at this zoom, in normalized mercator units.
	r := radius / (e.cfg.Extent * math.Exp2(float64(zoom)))

	tree := quadtree.New(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}})
	projected := make([]*indexedPoint, len(features))
	for i, f := range features {
		p := &indexedPoint{pt: projectMercator(f.Geometry.(orb.Point)), idx: i}
		projected[i] = p
		// Quadtree add only fails for points outside the bound; projection
		// clamps into [0,1] so this cannot happen.
		_ = tree.Add(p)
	}

	visited := make([]bool, len(features))
	var out []types.Cluster
	var buf []orb.Pointer

	for i, p := range projected {
		if visited[i] {
			continue
		}

		members := neighborsWithin(tree, buf[:0], p.pt, r, visited)
		if len(members) >= minPoints {
			for _, idx := range members {
				visited[idx] = true
			}
			out = append(out, aggregate(features, members))
			continue
		}

		// Below minPoints the seed stays a single point; its neighbors
		// remain available to later seeds.
		visited[i] = true
		out = append(out, singlePointCluster(features[i]))
	}

	return out
}

// neighborsWithin returns the indices of unvisited points within radius r of
// center, in ascending input order so tie-breaking is deterministic.
func neighborsWithin(tree *quadtree.Quadtree, buf []orb.Pointer, center orb.Point, r float64, visited []bool) []int {
	bound := orb.Bound{
		Min: orb.Point{center[0] - r, center[1] - r},
		Max: orb.Point{center[0] + r, center[1] + r},
	}

	var members []int
	for _, ptr := range tree.InBound(buf, bound) {
		ip := ptr.(*indexedPoint)
		if visited[ip.idx] {
			continue
		}
		dx := ip.pt[0] - center[0]
		dy := ip.pt[1] - center[1]
		if dx*dx+dy*dy <= r*r {
			members = append(members, ip.idx)
		}
	}
	sort.Ints(members)
	return members
}

// aggregate builds an aggregate cluster from member features: position is the
// mean of member coordinates, value the exact sum of member values.
func aggregate(features []*geojson.Feature, members []int) types.Cluster {
	var sumLon, sumLat, sumVal float64
	for _, idx := range members {
		pt := features[idx].Geometry.(orb.Point)
		sumLon += pt[0]
		sumLat += pt[1]
		sumVal += features[idx].Properties.MustFloat64(PropValue, 0)
	}
	n := float64(len(members))
	return types.Cluster{
		Latitude:  sumLat / n,
		Longitude: sumLon / n,
		Count:     len(members),
		Value:     sumVal,
		IsCluster: true,
	}
}

// singlePointCluster converts an input feature into an ungrouped result
// entry carrying the point's own properties.
func singlePointCluster(f *geojson.Feature) types.Cluster {
	pt := f.Geometry.(orb.Point)
	return types.Cluster{
		Latitude:     pt[1],
		Longitude:    pt[0],
		Count:        1,
		Value:        f.Properties.MustFloat64(PropValue, 0),
		IsCluster:    false,
		LocationID:   f.Properties.MustInt(PropLocationID, 0),
		LocationName: f.Properties.MustString(PropLocationName, ""),
		SensorType:   types.SensorType(f.Properties.MustString(PropSensorType, "")),
		DataSource:   types.DataSource(f.Properties.MustString(PropDataSource, "")),
	}
}

// projectMercator maps a lon/lat point into normalized [0,1]² spherical
// mercator space, clamping latitude at the projection's ±85° limits.
func projectMercator(p orb.Point) orb.Point {
	x := p[0]/360 + 0.5

	sin := math.Sin(p[1] * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	switch {
	case y < 0:
		y = 0
	case y > 1:
		y = 1
	}

	return orb.Point{x, y}
}
