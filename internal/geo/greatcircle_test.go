package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

var (
	kualaLumpur = model.GeoPoint{Lat: 3.1390, Lng: 101.6869}
	kaaba       = model.GeoPoint{Lat: 21.4225, Lng: 39.8262}
)

func TestGreatCircleDistanceIdentity(t *testing.T) {
	p := model.GeoPoint{Lat: 12.34, Lng: 56.78}
	assert.Zero(t, GreatCircleDistance(p, p))
}

func TestGreatCircleDistanceSymmetry(t *testing.T) {
	d1 := GreatCircleDistance(kualaLumpur, kaaba)
	d2 := GreatCircleDistance(kaaba, kualaLumpur)
	assert.InDelta(t, d1, d2, 1e-6)
}

func TestGreatCircleDistanceOneDegreeLatitude(t *testing.T) {
	a := model.GeoPoint{Lat: 10, Lng: 20}
	b := model.GeoPoint{Lat: 11, Lng: 20}
	d := GreatCircleDistance(a, b)
	// one degree of latitude is about 111 km
	assert.InEpsilon(t, 111195.0, d, 0.10)
}

func TestKualaLumpurToKaaba(t *testing.T) {
	bearing := ForwardBearing(kualaLumpur, kaaba)
	assert.InDelta(t, 292.5, bearing, 1.0)

	// surface arc distance; the oft-quoted 6,600 km figure is the
	// through-earth chord, not the path length along the sphere
	d := GreatCircleDistance(kualaLumpur, kaaba)
	assert.InEpsilon(t, 6974000.0, d, 0.02)
}

func TestForwardBearingRange(t *testing.T) {
	points := []model.GeoPoint{
		{Lat: 0, Lng: 0}, {Lat: 45, Lng: 90}, {Lat: -30, Lng: -120},
		{Lat: 80, Lng: 10}, {Lat: -80, Lng: 170},
	}
	for _, a := range points {
		for _, b := range points {
			if a == b {
				continue
			}
			brg := ForwardBearing(a, b)
			assert.GreaterOrEqual(t, brg, 0.0)
			assert.Less(t, brg, 360.0)
		}
	}
}

func TestForwardBearingCardinal(t *testing.T) {
	origin := model.GeoPoint{Lat: 0, Lng: 0}
	assert.InDelta(t, 0, ForwardBearing(origin, model.GeoPoint{Lat: 10, Lng: 0}), 1e-9)
	assert.InDelta(t, 90, ForwardBearing(origin, model.GeoPoint{Lat: 0, Lng: 10}), 1e-9)
	assert.InDelta(t, 180, ForwardBearing(origin, model.GeoPoint{Lat: -10, Lng: 0}), 1e-9)
	assert.InDelta(t, 270, ForwardBearing(origin, model.GeoPoint{Lat: 0, Lng: -10}), 1e-9)
}

func TestGenerateArcEndpointsAndCount(t *testing.T) {
	const segments = 32
	points, err := GenerateArc(kualaLumpur, kaaba, segments)
	require.NoError(t, err)
	require.Len(t, points, segments+1)
	assert.Equal(t, kualaLumpur, points[0])
	assert.Equal(t, kaaba, points[segments])

	for _, p := range points {
		require.True(t, p.Valid(), "arc point %v left the valid range", p)
	}
}

func TestGenerateArcPointsLieOnSphereArc(t *testing.T) {
	points, err := GenerateArc(kualaLumpur, kaaba, 16)
	require.NoError(t, err)

	total := GreatCircleDistance(kualaLumpur, kaaba)
	var sum float64
	for i := 1; i < len(points); i++ {
		sum += GreatCircleDistance(points[i-1], points[i])
	}
	// segment sum along a great circle equals the direct distance
	assert.InEpsilon(t, total, sum, 1e-6)
}

func TestGenerateArcCoincident(t *testing.T) {
	p := model.GeoPoint{Lat: 5, Lng: 5}
	points, err := GenerateArc(p, p, 8)
	require.NoError(t, err)
	require.Len(t, points, 9)
	for _, q := range points {
		assert.Equal(t, p, q)
	}
}

func TestGenerateArcAntipodalDeterministic(t *testing.T) {
	a := model.GeoPoint{Lat: 10, Lng: 20}
	b := model.GeoPoint{Lat: -10, Lng: -160}

	first, err := GenerateArc(a, b, 24)
	require.NoError(t, err)
	second, err := GenerateArc(a, b, 24)
	require.NoError(t, err)
	require.Equal(t, first, second, "antipodal fallback must be deterministic")

	for _, p := range first {
		require.False(t, math.IsNaN(p.Lat) || math.IsNaN(p.Lng),
			"antipodal interpolation produced NaN at %v", p)
	}
	// the fallback still bisects: midpoint is a quarter turn from both ends
	mid := first[12]
	assert.InEpsilon(t, math.Pi/2*EarthRadiusMeters, GreatCircleDistance(a, mid), 0.01)
	assert.InEpsilon(t, math.Pi/2*EarthRadiusMeters, GreatCircleDistance(b, mid), 0.01)
}

func TestGenerateArcRejectsInvalid(t *testing.T) {
	_, err := GenerateArc(model.GeoPoint{Lat: 88, Lng: 0}, kaaba, 8)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}
