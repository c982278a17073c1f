package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// roundTripTolerances is the zoom-dependent degree tolerance for
// TileToGeo(GeoToTile(p)). High zoom levels must reconstruct to sub-meter
// precision so that marker placement stays stable.
var roundTripTolerances = []struct {
	zoom int
	tol  float64
}{
	{0, 1e-4},
	{3, 1e-4},
	{5, 1e-4},
	{8, 1e-6},
	{12, 1e-8},
	{16, 1e-10},
	{19, 1e-10},
}

var roundTripPoints = []model.GeoPoint{
	{Lat: 0, Lng: 0},
	{Lat: 3.1390, Lng: 101.6869},   // Kuala Lumpur
	{Lat: 21.4225, Lng: 39.8262},   // Kaaba
	{Lat: -36.8485, Lng: 174.7633}, // Auckland
	{Lat: 64.1466, Lng: -21.9426},  // Reykjavik
	{Lat: 85.0511, Lng: -179.999},
	{Lat: -85.0511, Lng: 179.999},
}

func TestGeoTileRoundTrip(t *testing.T) {
	for _, tc := range roundTripTolerances {
		for _, p := range roundTripPoints {
			x, y, err := GeoToTile(p.Lat, p.Lng, tc.zoom)
			if err != nil {
				t.Fatalf("GeoToTile(%v, z=%d): %v", p, tc.zoom, err)
			}
			lat, lng, err := TileToGeo(x, y, tc.zoom)
			if err != nil {
				t.Fatalf("TileToGeo(%v, %v, z=%d): %v", x, y, tc.zoom, err)
			}
			if math.Abs(lat-p.Lat) > tc.tol || math.Abs(lng-p.Lng) > tc.tol {
				t.Errorf("round trip at z=%d drifted: %v -> (%v,%v), tol %g",
					tc.zoom, p, lat, lng, tc.tol)
			}
		}
	}
}

func TestGeoToTileRange(t *testing.T) {
	for zoom := 0; zoom <= 20; zoom++ {
		n := math.Exp2(float64(zoom))
		for _, p := range roundTripPoints {
			x, y, err := GeoToTile(p.Lat, p.Lng, zoom)
			if err != nil {
				t.Fatalf("GeoToTile(%v, z=%d): %v", p, zoom, err)
			}
			if x < 0 || x > n || y < 0 || y > n {
				t.Errorf("tile coordinate (%v,%v) outside [0,%v] at z=%d", x, y, n, zoom)
			}
		}
	}
}

func TestGeoToTileRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name     string
		lat, lng float64
	}{
		{"beyond mercator north", 86, 0},
		{"beyond mercator south", -86, 0},
		{"north pole", 90, 0},
		{"lng high", 0, 181},
		{"lng low", 0, -180.001},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := GeoToTile(tc.lat, tc.lng, 10)
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("expected ErrInvalidCoordinate, got %v", err)
			}
		})
	}
	if _, _, err := GeoToTile(0, 0, -1); !errors.Is(err, ErrInvalidZoom) {
		t.Errorf("expected ErrInvalidZoom, got %v", err)
	}
}

func TestTileToGeoRejectsOutOfGrid(t *testing.T) {
	if _, _, err := TileToGeo(-0.1, 0, 4); !errors.Is(err, ErrTileOutOfRange) {
		t.Errorf("expected ErrTileOutOfRange for negative x, got %v", err)
	}
	if _, _, err := TileToGeo(0, 16.5, 4); !errors.Is(err, ErrTileOutOfRange) {
		t.Errorf("expected ErrTileOutOfRange for y > 2^zoom, got %v", err)
	}
	// the grid edge itself is a valid coordinate
	if _, _, err := TileToGeo(16, 16, 4); err != nil {
		t.Errorf("grid edge should be accepted: %v", err)
	}
}

// TestGeoToTileAgainstMaptile cross-checks the integer tile selection against
// the orb/maptile implementation.
func TestGeoToTileAgainstMaptile(t *testing.T) {
	for zoom := 1; zoom <= 18; zoom += 3 {
		for _, p := range roundTripPoints {
			if p.Lat > 85.05 || p.Lat < -85.05 {
				continue // maptile clamps at the band edge, we reject
			}
			addr, err := TileAddressFor(p, zoom, "")
			if err != nil {
				t.Fatalf("TileAddressFor(%v, z=%d): %v", p, zoom, err)
			}
			ref := maptile.At(orb.Point{p.Lng, p.Lat}, maptile.Zoom(zoom))
			if uint32(addr.X) != ref.X || uint32(addr.Y) != ref.Y {
				t.Errorf("z=%d %v: got tile (%d,%d), maptile says (%d,%d)",
					zoom, p, addr.X, addr.Y, ref.X, ref.Y)
			}
		}
	}
}

// TestGeoToTileAgainstEPSG3857 cross-checks the fractional projection against
// the wgs84 EPSG:3857 transform.
func TestGeoToTileAgainstEPSG3857(t *testing.T) {
	const circumference = 2 * math.Pi * 6378137.0
	for _, p := range roundTripPoints {
		if p.Lat > 85.05 || p.Lat < -85.05 {
			continue
		}
		x3857, y3857 := Coords3857(p)
		for _, zoom := range []int{2, 8, 14} {
			n := math.Exp2(float64(zoom))
			wantX := (x3857/circumference + 0.5) * n
			wantY := (0.5 - y3857/circumference) * n
			gotX, gotY, err := GeoToTile(p.Lat, p.Lng, zoom)
			if err != nil {
				t.Fatalf("GeoToTile(%v, z=%d): %v", p, zoom, err)
			}
			if math.Abs(gotX-wantX) > 1e-6*n || math.Abs(gotY-wantY) > 1e-6*n {
				t.Errorf("z=%d %v: tile (%v,%v) disagrees with EPSG:3857 (%v,%v)",
					zoom, p, gotX, gotY, wantX, wantY)
			}
		}
	}
}

func TestMetersPerPixel(t *testing.T) {
	// at the equator, zoom 0, one 256px tile spans the whole circumference
	mpp := MetersPerPixel(0, 0, 1)
	want := 2 * math.Pi * EarthRadiusMeters / 256
	if math.Abs(mpp-want) > 1 {
		t.Errorf("equator z0 meters/pixel = %v, want %v", mpp, want)
	}
	// doubling digital zoom halves the ground resolution
	if math.Abs(MetersPerPixel(0, 0, 2)-want/2) > 1 {
		t.Error("digital zoom should scale resolution linearly")
	}
	if MetersPerPixel(60, 10, 1) >= MetersPerPixel(0, 10, 1) {
		t.Error("resolution should shrink with latitude")
	}
}
