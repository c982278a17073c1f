// Package render converts geographic positions to screen offsets and builds
// the draw primitives for the direction overlay. Every on-screen element goes
// through one shared Transform; the marker and the line base using different
// transforms is exactly the bug the alignment check exists to catch.
package render

import (
	"fmt"
	"math"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/geo"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// DefaultAlignmentTolerancePx is the sub-pixel misalignment budget between
// the marker and the line base.
const DefaultAlignmentTolerancePx = 0.5

// Transform maps fractional tile coordinates to screen pixels for one frame.
// ViewportTileX/Y is the viewport center in fractional tiles at Zoom.
type Transform struct {
	ViewportTileX float64
	ViewportTileY float64
	Zoom          int
	DigitalZoom   float64
	CanvasWidth   float64
	CanvasHeight  float64
}

// NewTransform builds the frame transform for a viewport centered on the
// given point.
func NewTransform(center model.GeoPoint, zoom int, digitalZoom, canvasW, canvasH float64) (Transform, error) {
	c, err := geo.PreciseTile(center, zoom, digitalZoom)
	if err != nil {
		return Transform{}, err
	}
	return Transform{
		ViewportTileX: c.TileX,
		ViewportTileY: c.TileY,
		Zoom:          zoom,
		DigitalZoom:   digitalZoom,
		CanvasWidth:   canvasW,
		CanvasHeight:  canvasH,
	}, nil
}

// Screen converts a fractional tile coordinate to a screen offset:
// screenX = (tileX - viewportTileX) * tileSizePx * digitalZoom + canvasWidth/2,
// same for Y. This is the single transform shared by every overlay element.
func (t Transform) Screen(c model.PreciseTileCoordinate) model.ScreenOffset {
	scale := float64(model.TileSizePx) * t.DigitalZoom
	return model.ScreenOffset{
		X: (c.TileX-t.ViewportTileX)*scale + t.CanvasWidth/2,
		Y: (c.TileY-t.ViewportTileY)*scale + t.CanvasHeight/2,
	}
}

// ScreenForGeo projects a geographic point through the shared transform.
func (t Transform) ScreenForGeo(p model.GeoPoint) (model.ScreenOffset, error) {
	c, err := geo.PreciseTile(p, t.Zoom, t.DigitalZoom)
	if err != nil {
		return model.ScreenOffset{}, err
	}
	return t.Screen(c), nil
}

// PrimitiveKind enumerates the draw operations handed to the host surface.
type PrimitiveKind int

const (
	LinePrimitive PrimitiveKind = iota
	CirclePrimitive
	ImagePrimitive
)

// Primitive is one draw operation at screen offsets. The subsystem never
// composites; the host surface consumes these.
type Primitive struct {
	Kind        PrimitiveKind
	Points      []model.ScreenOffset // LinePrimitive: polyline vertices
	Center      model.ScreenOffset   // CirclePrimitive / ImagePrimitive anchor
	Radius      float64
	StrokeWidth float64
	RotationDeg float64 // ImagePrimitive rotation, clockwise from north
	ImageRef    string
}

// Scene is the full primitive list for one frame plus the alignment check
// inputs that produced it.
type Scene struct {
	Primitives []Primitive
	MarkerAt   model.ScreenOffset
	LineBaseAt model.ScreenOffset
}

// ValidateAlignment reports whether the marker and the line base coincide
// within the tolerance. A false result means two code paths disagreed about
// the transform and the arrow would visibly float off its marker.
func ValidateAlignment(marker, lineBase model.ScreenOffset, tolerancePx float64) bool {
	return marker.DistanceTo(lineBase) <= tolerancePx
}

// Arrowhead returns the three vertices of an arrowhead triangle whose tip
// sits at tip, oriented along the prev->tip direction, plus the rotation in
// degrees clockwise from north for image-based arrow sprites.
func Arrowhead(prev, tip model.ScreenOffset, sizePx float64) ([3]model.ScreenOffset, float64) {
	dx := tip.X - prev.X
	dy := tip.Y - prev.Y
	angle := math.Atan2(dy, dx)
	// wings 30 degrees off the shaft
	const wing = math.Pi / 6
	left := model.ScreenOffset{
		X: tip.X - sizePx*math.Cos(angle-wing),
		Y: tip.Y - sizePx*math.Sin(angle-wing),
	}
	right := model.ScreenOffset{
		X: tip.X - sizePx*math.Cos(angle+wing),
		Y: tip.Y - sizePx*math.Sin(angle+wing),
	}
	// screen +Y is down, so north is -Y
	rotation := math.Mod(angle*180/math.Pi+90+360, 360)
	return [3]model.ScreenOffset{tip, left, right}, rotation
}

// Builder assembles the overlay scene for a frame.
type Builder struct {
	TolerancePx  float64
	MarkerRadius float64
	ArrowSizePx  float64
	LineWidth    float64
	MarkerImage  string
	Predictor    *Predictor // optional drag-extrapolation hook
}

// NewBuilder returns a Builder with the stock overlay dimensions.
func NewBuilder() *Builder {
	return &Builder{
		TolerancePx:  DefaultAlignmentTolerancePx,
		MarkerRadius: 12,
		ArrowSizePx:  18,
		LineWidth:    4,
	}
}

// Build produces the primitives for the marker and the culled direction
// line. The marker and the line base are projected through the same
// Transform with identical inputs; Build fails when they still diverge past
// the tolerance, which indicates transform misuse upstream.
func (b *Builder) Build(t Transform, source model.GeoPoint, path []model.GeoPoint) (Scene, error) {
	if b.Predictor != nil && b.Predictor.Enabled() {
		source = b.Predictor.Predict(source)
	}

	markerAt, err := t.ScreenForGeo(source)
	if err != nil {
		return Scene{}, err
	}

	scene := Scene{MarkerAt: markerAt, LineBaseAt: markerAt}
	if len(path) >= 2 {
		pts := make([]model.ScreenOffset, len(path))
		for i, p := range path {
			pts[i], err = t.ScreenForGeo(p)
			if err != nil {
				return Scene{}, err
			}
		}
		scene.LineBaseAt = pts[0]
		if !ValidateAlignment(markerAt, pts[0], b.TolerancePx) {
			return Scene{}, fmt.Errorf(
				"arrow base misaligned with marker by %.3f px (tolerance %.2f)",
				markerAt.DistanceTo(pts[0]), b.TolerancePx)
		}
		scene.Primitives = append(scene.Primitives, Primitive{
			Kind: LinePrimitive, Points: pts, StrokeWidth: b.LineWidth,
		})
		head, rotation := Arrowhead(pts[len(pts)-2], pts[len(pts)-1], b.ArrowSizePx)
		scene.Primitives = append(scene.Primitives, Primitive{
			Kind:        ImagePrimitive,
			Center:      head[0],
			Points:      head[:],
			RotationDeg: rotation,
			ImageRef:    "direction-arrow",
		})
	}
	scene.Primitives = append(scene.Primitives, Primitive{
		Kind: CirclePrimitive, Center: markerAt, Radius: b.MarkerRadius,
		ImageRef: b.MarkerImage,
	})
	return scene, nil
}
