package geo

import (
	"math"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// antipodalEpsilon is the angular-distance margin (radians) inside which two
// points are treated as coincident or antipodal. Wide enough to absorb the
// rounding of Acos near its endpoints, where the slerp denominator collapses.
const antipodalEpsilon = 1e-6

// GreatCircleDistance returns the haversine distance between two points in
// meters. Identical points yield exactly 0.
func GreatCircleDistance(a, b model.GeoPoint) float64 {
	if a == b {
		return 0
	}
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ForwardBearing returns the initial azimuth from a to b in degrees,
// normalized to [0, 360).
func ForwardBearing(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// vec3 is a point on the unit sphere in Cartesian space.
type vec3 struct {
	x, y, z float64
}

func toCartesian(p model.GeoPoint) vec3 {
	latRad := p.Lat * math.Pi / 180
	lngRad := p.Lng * math.Pi / 180
	cosLat := math.Cos(latRad)
	return vec3{
		x: cosLat * math.Cos(lngRad),
		y: cosLat * math.Sin(lngRad),
		z: math.Sin(latRad),
	}
}

func toGeo(v vec3) model.GeoPoint {
	return model.GeoPoint{
		Lat: math.Atan2(v.z, math.Hypot(v.x, v.y)) * 180 / math.Pi,
		Lng: math.Atan2(v.y, v.x) * 180 / math.Pi,
	}
}

func (v vec3) dot(o vec3) float64 {
	return v.x*o.x + v.y*o.y + v.z*o.z
}

func (v vec3) cross(o vec3) vec3 {
	return vec3{
		x: v.y*o.z - v.z*o.y,
		y: v.z*o.x - v.x*o.z,
		z: v.x*o.y - v.y*o.x,
	}
}

func (v vec3) scale(s float64) vec3 {
	return vec3{x: v.x * s, y: v.y * s, z: v.z * s}
}

func (v vec3) add(o vec3) vec3 {
	return vec3{x: v.x + o.x, y: v.y + o.y, z: v.z + o.z}
}

func (v vec3) normalize() vec3 {
	n := math.Sqrt(v.dot(v))
	if n == 0 {
		return vec3{x: 1}
	}
	return v.scale(1 / n)
}

// GenerateArc produces segments+1 points by spherical linear interpolation
// along the great circle from source to target. Antipodal endpoints make the
// slerp denominator singular; in that case a deterministic bisecting great
// circle is used instead of producing NaN.
func GenerateArc(source, target model.GeoPoint, segments int) ([]model.GeoPoint, error) {
	if !source.Valid() || !target.Valid() {
		return nil, ErrInvalidCoordinate
	}
	if segments < 1 {
		segments = 1
	}

	a := toCartesian(source)
	b := toCartesian(target)
	// clamp: rounding can push the dot product a hair outside [-1, 1]
	omega := math.Acos(math.Max(-1, math.Min(1, a.dot(b))))

	points := make([]model.GeoPoint, 0, segments+1)
	points = append(points, source)

	switch {
	case omega < antipodalEpsilon:
		// coincident endpoints: the arc degenerates to the point itself
		for i := 1; i <= segments; i++ {
			points = append(points, target)
		}
	case math.Pi-omega < antipodalEpsilon:
		// antipodal: route through a fixed orthogonal axis so the result is
		// deterministic across calls
		u := orthogonalAxis(a)
		for i := 1; i < segments; i++ {
			f := float64(i) / float64(segments)
			p := a.scale(math.Cos(math.Pi * f)).add(u.scale(math.Sin(math.Pi * f)))
			points = append(points, toGeo(p.normalize()))
		}
		points = append(points, target)
	default:
		sinOmega := math.Sin(omega)
		for i := 1; i < segments; i++ {
			f := float64(i) / float64(segments)
			p := a.scale(math.Sin((1-f)*omega) / sinOmega).
				add(b.scale(math.Sin(f*omega) / sinOmega))
			points = append(points, toGeo(p.normalize()))
		}
		points = append(points, target)
	}
	return points, nil
}

// orthogonalAxis returns a unit vector orthogonal to v, chosen
// deterministically: the cross product with the polar axis, or the x axis
// when v itself is (near) polar.
func orthogonalAxis(v vec3) vec3 {
	pole := vec3{z: 1}
	u := v.cross(pole)
	if u.dot(u) < 1e-12 {
		return vec3{x: 1}
	}
	return u.normalize()
}
