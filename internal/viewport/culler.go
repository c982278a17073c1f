// Package viewport clips cached paths to the visible map window, inserting
// edge intersections so the line stays continuous at the viewport boundary.
package viewport

import (
	"math"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// DefaultBufferMargin is the degree margin applied when culling with the
// buffer ring included, matching the tile buffer beyond the viewport.
const DefaultBufferMargin = 1.0

// Culler clips paths against viewport bounds.
type Culler struct {
	BufferMargin float64
}

// New creates a culler with the default buffer margin.
func New() *Culler {
	return &Culler{BufferMargin: DefaultBufferMargin}
}

// Cull walks consecutive point pairs of the path, keeping points inside the
// (optionally buffer-expanded) bounds and inserting one boundary intersection
// per inside/outside transition. A west > east viewport is treated as
// dateline-crossing.
func (c *Culler) Cull(path []model.GeoPoint, bounds model.ViewportBounds, includeBuffer bool) []model.GeoPoint {
	if len(path) == 0 {
		return nil
	}
	if includeBuffer {
		bounds = bounds.Expanded(c.BufferMargin)
	}

	// fast path: a non-wrapped viewport whose envelope holds every point
	// passes the path through untouched
	if env, ok := bounds.Envelope(); ok {
		all := true
		for _, p := range path {
			if !env.Contains(geom.XY{X: p.Lng, Y: p.Lat}) {
				all = false
				break
			}
		}
		if all {
			return path
		}
	}

	out := make([]model.GeoPoint, 0, len(path))
	prev := path[0]
	prevIn := bounds.Contains(prev)
	if prevIn {
		out = append(out, prev)
	}

	for i := 1; i < len(path); i++ {
		cur := path[i]
		curIn := bounds.Contains(cur)

		if prevIn != curIn {
			if ip, ok := edgeIntersection(prev, cur, bounds); ok {
				out = append(out, ip)
			}
		}
		if curIn {
			out = append(out, cur)
		}

		prev = cur
		prevIn = curIn
	}
	return out
}

// edgeIntersection finds the nearest intersection of segment a-b with the
// four bounding edges, interpolating linearly in lat/lng space.
func edgeIntersection(a, b model.GeoPoint, bounds model.ViewportBounds) (model.GeoPoint, bool) {
	best := model.GeoPoint{}
	bestT := math.Inf(1)
	found := false

	consider := func(t float64, p model.GeoPoint) {
		if t < 0 || t > 1 {
			return
		}
		if t < bestT {
			bestT = t
			best = p
			found = true
		}
	}

	// horizontal edges: fixed latitude
	for _, edgeLat := range []float64{bounds.North, bounds.South} {
		if dLat := b.Lat - a.Lat; dLat != 0 {
			t := (edgeLat - a.Lat) / dLat
			lng := a.Lng + t*(b.Lng-a.Lng)
			if t >= 0 && t <= 1 && bounds.ContainsLng(lng) {
				consider(t, model.GeoPoint{Lat: edgeLat, Lng: lng})
			}
		}
	}

	// vertical edges: fixed longitude
	for _, edgeLng := range []float64{bounds.West, bounds.East} {
		if dLng := b.Lng - a.Lng; dLng != 0 {
			t := (edgeLng - a.Lng) / dLng
			lat := a.Lat + t*(b.Lat-a.Lat)
			if t >= 0 && t <= 1 && lat <= bounds.North && lat >= bounds.South {
				consider(t, model.GeoPoint{Lat: lat, Lng: edgeLng})
			}
		}
	}

	return best, found
}
