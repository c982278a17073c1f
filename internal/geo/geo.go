// Package geo implements the coordinate transformation layer: spherical
// Web-Mercator tile math and great-circle geodesy. All functions are pure,
// keep double precision end to end, and are safe for concurrent use.
package geo

import (
	"errors"
	"math"

	"github.com/wroge/wgs84"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// ErrInvalidCoordinate is returned when a latitude or longitude falls outside
// the Mercator-valid range. Out-of-range input is rejected, never clamped.
var ErrInvalidCoordinate = errors.New("coordinate outside the Mercator-valid range")

// ErrTileOutOfRange is returned when a tile coordinate falls outside [0, 2^zoom].
var ErrTileOutOfRange = errors.New("tile coordinate outside the zoom grid")

// ErrInvalidZoom is returned for zoom levels outside [0, 30].
var ErrInvalidZoom = errors.New("zoom level outside supported range")

// EarthRadiusMeters is the WGS84 mean radius.
const EarthRadiusMeters = 6371008.8

const maxZoom = 30

// GeoToTile projects a geographic point onto fractional tile coordinates at
// the given zoom using the standard spherical Web-Mercator projection.
func GeoToTile(lat, lng float64, zoom int) (tileX, tileY float64, err error) {
	if zoom < 0 || zoom > maxZoom {
		return 0, 0, ErrInvalidZoom
	}
	if lat < -model.MaxMercatorLat || lat > model.MaxMercatorLat {
		return 0, 0, ErrInvalidCoordinate
	}
	if lng < -180 || lng > 180 {
		return 0, 0, ErrInvalidCoordinate
	}
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180
	tileX = (lng + 180) / 360 * n
	tileY = (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return tileX, tileY, nil
}

// TileToGeo is the inverse Mercator projection from fractional tile
// coordinates back to degrees.
func TileToGeo(tileX, tileY float64, zoom int) (lat, lng float64, err error) {
	if zoom < 0 || zoom > maxZoom {
		return 0, 0, ErrInvalidZoom
	}
	n := math.Exp2(float64(zoom))
	if tileX < 0 || tileX > n || tileY < 0 || tileY > n {
		return 0, 0, ErrTileOutOfRange
	}
	lng = tileX/n*360 - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*tileY/n))) * 180 / math.Pi
	return lat, lng, nil
}

// PreciseTile derives the fractional tile coordinate used for screen
// placement of a point.
func PreciseTile(p model.GeoPoint, zoom int, digitalZoom float64) (model.PreciseTileCoordinate, error) {
	x, y, err := GeoToTile(p.Lat, p.Lng, zoom)
	if err != nil {
		return model.PreciseTileCoordinate{}, err
	}
	return model.PreciseTileCoordinate{
		TileX:       x,
		TileY:       y,
		Zoom:        zoom,
		DigitalZoom: digitalZoom,
	}, nil
}

// TileAddressFor returns the integer tile containing a point.
func TileAddressFor(p model.GeoPoint, zoom int, style string) (model.TileAddress, error) {
	x, y, err := GeoToTile(p.Lat, p.Lng, zoom)
	if err != nil {
		return model.TileAddress{}, err
	}
	n := 1 << uint(zoom)
	xi := int(math.Floor(x))
	yi := int(math.Floor(y))
	// the band edge projects exactly onto the grid boundary
	if xi == n {
		xi = n - 1
	}
	if yi == n {
		yi = n - 1
	}
	return model.TileAddress{X: xi, Y: yi, Zoom: zoom, Style: style}, nil
}

// MetersPerPixel is the ground resolution at a latitude, zoom and digital
// zoom, used for scale display and adaptation decisions.
func MetersPerPixel(lat float64, zoom int, digitalZoom float64) float64 {
	if digitalZoom <= 0 {
		digitalZoom = 1
	}
	latRad := lat * math.Pi / 180
	return math.Cos(latRad) * 2 * math.Pi * EarthRadiusMeters /
		(model.TileSizePx * math.Exp2(float64(zoom)) * digitalZoom)
}

// Coords3857 projects a point to EPSG:3857 meters. The direction-line
// subsystem itself works in tile space; this exists for diagnostics and
// cross-validation against the Mercator tile math.
func Coords3857(p model.GeoPoint) (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(p.Lng, p.Lat, 0)
	return x, y
}
