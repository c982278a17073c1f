// Package model holds the value types shared by the direction-line subsystem.
package model

import (
	"fmt"
	"math"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
)

// TileSizePx is the edge length of a raster tile in pixels.
const TileSizePx = 256

// MaxMercatorLat is the latitude band limit of the spherical Web-Mercator
// projection. Latitudes beyond it cannot be placed on a tile.
const MaxMercatorLat = 85.05112878

// DefaultStyle is the map style assumed by cache files written before styles
// were introduced.
const DefaultStyle = "standard"

// GeoPoint is an immutable geographic position in double-precision degrees.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// Valid reports whether the point lies inside the Mercator-valid band.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -MaxMercatorLat && p.Lat <= MaxMercatorLat &&
		p.Lng >= -180 && p.Lng <= 180
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Lat, p.Lng)
}

// TileAddress identifies one raster tile on the integer tile grid.
type TileAddress struct {
	X     int
	Y     int
	Zoom  int
	Style string
}

// Valid reports whether x and y fall inside the grid for the zoom level.
func (a TileAddress) Valid() bool {
	if a.Zoom < 0 || a.Zoom > 30 {
		return false
	}
	n := 1 << uint(a.Zoom)
	return a.X >= 0 && a.X < n && a.Y >= 0 && a.Y < n
}

// Key is the cache/file key for the tile, including the style prefix.
func (a TileAddress) Key() string {
	style := a.Style
	if style == "" {
		style = DefaultStyle
	}
	return fmt.Sprintf("%s_%d_%d_%d", style, a.Zoom, a.X, a.Y)
}

// LegacyKey is the pre-style cache key. Only meaningful for the default style.
func (a TileAddress) LegacyKey() string {
	return fmt.Sprintf("%d_%d_%d", a.Zoom, a.X, a.Y)
}

// Parent returns the address of the covering tile one zoom level down.
// Returns false at zoom 0.
func (a TileAddress) Parent() (TileAddress, bool) {
	if a.Zoom == 0 {
		return TileAddress{}, false
	}
	return TileAddress{X: a.X / 2, Y: a.Y / 2, Zoom: a.Zoom - 1, Style: a.Style}, true
}

func (a TileAddress) String() string {
	return a.Key()
}

// PreciseTileCoordinate is the fractional-precision analogue of TileAddress,
// used for screen placement. Always derived from a GeoPoint through the
// coordinate transformer, never hand-built from integers.
type PreciseTileCoordinate struct {
	TileX       float64
	TileY       float64
	Zoom        int
	DigitalZoom float64
}

// ScreenOffset is a position on the rendering surface in pixels.
type ScreenOffset struct {
	X float64
	Y float64
}

// DistanceTo returns the Euclidean pixel distance to another offset.
func (o ScreenOffset) DistanceTo(other ScreenOffset) float64 {
	dx := o.X - other.X
	dy := o.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// ViewportBounds describes the visible geographic window. A West greater than
// East signals an antimeridian-crossing viewport.
type ViewportBounds struct {
	North  float64
	South  float64
	East   float64
	West   float64
	Center GeoPoint
}

// WrapsAntimeridian reports whether the viewport crosses the dateline.
func (b ViewportBounds) WrapsAntimeridian() bool {
	return b.West > b.East
}

// ContainsLng reports longitude containment, treating west > east as the
// union of [west,180] and [-180,east].
func (b ViewportBounds) ContainsLng(lng float64) bool {
	if b.WrapsAntimeridian() {
		return lng >= b.West || lng <= b.East
	}
	return lng >= b.West && lng <= b.East
}

// Contains reports whether the point lies inside the viewport.
func (b ViewportBounds) Contains(p GeoPoint) bool {
	return p.Lat <= b.North && p.Lat >= b.South && b.ContainsLng(p.Lng)
}

// Expanded grows the bounds by a margin in degrees on every side. The
// longitude margin can push a normal viewport into a wrapped one.
func (b ViewportBounds) Expanded(margin float64) ViewportBounds {
	out := b
	out.North = math.Min(b.North+margin, MaxMercatorLat)
	out.South = math.Max(b.South-margin, -MaxMercatorLat)
	out.West = b.West - margin
	out.East = b.East + margin
	if out.West < -180 {
		out.West += 360
	}
	if out.East > 180 {
		out.East -= 360
	}
	return out
}

// Envelope returns the planar lng/lat envelope for a non-wrapped viewport.
// Wrapped viewports have no single envelope and report ok=false.
func (b ViewportBounds) Envelope() (geom.Envelope, bool) {
	if b.WrapsAntimeridian() {
		return geom.Envelope{}, false
	}
	env := geom.NewEnvelope(
		geom.XY{X: b.West, Y: b.South},
		geom.XY{X: b.East, Y: b.North},
	)
	return env, true
}

// TileState is the lifecycle state of a cache entry.
type TileState int

const (
	TileLoading TileState = iota
	TileLowResReady
	TileHighResReady
	TileFailed
)

func (s TileState) String() string {
	switch s {
	case TileLoading:
		return "Loading"
	case TileLowResReady:
		return "LowResReady"
	case TileHighResReady:
		return "HighResReady"
	case TileFailed:
		return "Failed"
	default:
		return fmt.Sprintf("TileState(%d)", int(s))
	}
}

// Terminal reports whether no further transitions will follow.
func (s TileState) Terminal() bool {
	return s == TileHighResReady || s == TileFailed
}

// TileUpdate is one emission on a tile request stream.
type TileUpdate struct {
	Address TileAddress
	State   TileState
	Image   []byte
	Err     error
}

// CachedPath is a computed great-circle path between two points.
type CachedPath struct {
	Points         []GeoPoint
	BearingDeg     float64
	DistanceMeters float64
	Segments       int
	CreatedAt      time.Time
}

// Age returns how long ago the path was computed.
func (p *CachedPath) Age() time.Duration {
	return time.Since(p.CreatedAt)
}

// LineString exports the path as a lng/lat line string for storage or
// diagnostics.
func (p *CachedPath) LineString() (geom.LineString, error) {
	if len(p.Points) < 2 {
		return geom.LineString{}, fmt.Errorf("path has %d points, need at least 2", len(p.Points))
	}
	flat := make([]float64, 0, len(p.Points)*2)
	for _, pt := range p.Points {
		flat = append(flat, pt.Lng, pt.Lat)
	}
	seq := geom.NewSequence(flat, geom.DimXY)
	return geom.NewLineString(seq), nil
}

// DirectionStatus classifies a direction-line result.
type DirectionStatus int

const (
	// DirectionValid means the path was computed at full fidelity.
	DirectionValid DirectionStatus = iota
	// DirectionDegraded means a fallback or reduced-precision path was used.
	DirectionDegraded
	// DirectionInvalid means no usable path exists; Message explains why.
	DirectionInvalid
)

func (s DirectionStatus) String() string {
	switch s {
	case DirectionValid:
		return "Valid"
	case DirectionDegraded:
		return "Degraded"
	case DirectionInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("DirectionStatus(%d)", int(s))
	}
}

// DirectionState is the structured result handed to the caller. It is always
// one of: valid, degraded-but-valid, or invalid with a message.
type DirectionState struct {
	Status         DirectionStatus
	Path           *CachedPath
	BearingDeg     float64
	DistanceMeters float64
	Message        string
}

// DeviceTier buckets device capability, classified from the available heap.
type DeviceTier int

const (
	TierLow DeviceTier = iota
	TierMid
	TierHigh
)

func (t DeviceTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("DeviceTier(%d)", int(t))
	}
}

// PerformanceSnapshot is a transient view of runtime pressure, recomputed on
// each poll. Never persisted; resets with the process.
type PerformanceSnapshot struct {
	Time                time.Time
	Tier                DeviceTier
	MemoryRatio         float64
	CPULoadEstimate     float64
	AvgCalcLatencyMs    float64
	ConsecutiveFailures int
	Escalation          string
}
