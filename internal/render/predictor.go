package render

import (
	"sync"
	"time"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// Predictor extrapolates the source point along its recent drag velocity so
// the overlay leads a fast pan instead of trailing it. Off by default; the
// engine enables it only on high-tier devices.
type Predictor struct {
	mu        sync.Mutex
	enabled   bool
	lookAhead time.Duration

	prev    model.GeoPoint
	prevAt  time.Time
	hasPrev bool
	velLat  float64 // deg/s
	velLng  float64
}

// NewPredictor builds a disabled predictor with the given look-ahead.
func NewPredictor(lookAhead time.Duration) *Predictor {
	return &Predictor{lookAhead: lookAhead}
}

// SetEnabled toggles extrapolation. Disabling also clears the velocity so a
// later re-enable does not replay stale motion.
func (p *Predictor) SetEnabled(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = on
	if !on {
		p.hasPrev = false
		p.velLat, p.velLng = 0, 0
	}
}

// Enabled reports whether extrapolation is active.
func (p *Predictor) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Observe feeds one location update, updating the velocity estimate.
func (p *Predictor) Observe(pt model.GeoPoint, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasPrev {
		dt := at.Sub(p.prevAt).Seconds()
		if dt > 0 {
			p.velLat = (pt.Lat - p.prev.Lat) / dt
			p.velLng = (pt.Lng - p.prev.Lng) / dt
		}
	}
	p.prev = pt
	p.prevAt = at
	p.hasPrev = true
}

// Predict extrapolates the point by the look-ahead using the last observed
// velocity. With no velocity estimate it returns the input unchanged. The
// extrapolated point is clamped to valid coordinate ranges.
func (p *Predictor) Predict(pt model.GeoPoint) model.GeoPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || !p.hasPrev {
		return pt
	}
	ahead := p.lookAhead.Seconds()
	out := model.GeoPoint{
		Lat: pt.Lat + p.velLat*ahead,
		Lng: pt.Lng + p.velLng*ahead,
	}
	if out.Lat > 90 {
		out.Lat = 90
	}
	if out.Lat < -90 {
		out.Lat = -90
	}
	for out.Lng > 180 {
		out.Lng -= 360
	}
	for out.Lng < -180 {
		out.Lng += 360
	}
	return out
}
