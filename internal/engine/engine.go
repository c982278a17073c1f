// Package engine is the subsystem facade: it owns the direction-line
// calculation, the pan/settle scheduling and the stats surface, and wires
// the tile cache, path cache, performance controller and renderer together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/dispatch"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/geo"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/pathcache"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/perf"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/tilecache"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/viewport"
)

// Event kinds routed through the dispatcher.
const (
	EventDrag    = "map.drag"
	EventPanStop = "map.panstop"
	EventZoom    = "map.zoom"
	EventStyle   = "map.style"
)

// Dependencies holds all dependencies for the engine service.
type Dependencies struct {
	Tiles      *tilecache.Engine
	Paths      *pathcache.Cache
	Perf       *perf.Controller
	Culler     *viewport.Culler
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	// Target is the fixed direction-line destination.
	Target model.GeoPoint

	ThrottleInterval           time.Duration
	HighResponsivenessThrottle time.Duration

	SettleBase  time.Duration
	SettleStep  time.Duration
	SettleMax   time.Duration
	SettleReset time.Duration
}

// Stats is the externally exposed cache/performance view.
type Stats struct {
	TileCount   int64
	SizeBytes   int64
	TileHitRate float64
	PathHitRate float64
	Performance model.PerformanceSnapshot
}

// Service is the direction-line engine.
type Service struct {
	deps     Dependencies
	log      *slog.Logger
	throttle *pathcache.Throttle

	mu           sync.Mutex
	source       model.GeoPoint
	haveSource   bool
	zoom         int
	digitalZoom  float64
	highPerfMode bool
	lastState    model.DirectionState
	haveState    bool

	settleTimer     *time.Timer
	lastPanAt       time.Time
	consecutivePans int
}

// NewService wires the engine. The dispatcher is optional; without it the
// OnDrag/OnPanStop methods are driven directly.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Tiles == nil || deps.Paths == nil || deps.Perf == nil {
		return nil, fmt.Errorf("engine requires tile, path and performance services")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Culler == nil {
		deps.Culler = &viewport.Culler{BufferMargin: 1.0}
	}
	if deps.ThrottleInterval <= 0 {
		deps.ThrottleInterval = 100 * time.Millisecond
	}
	if deps.HighResponsivenessThrottle <= 0 {
		deps.HighResponsivenessThrottle = 8 * time.Millisecond
	}
	if deps.SettleBase <= 0 {
		deps.SettleBase = 400 * time.Millisecond
	}
	if deps.SettleStep <= 0 {
		deps.SettleStep = 100 * time.Millisecond
	}
	if deps.SettleMax <= 0 {
		deps.SettleMax = 800 * time.Millisecond
	}
	if deps.SettleReset <= 0 {
		deps.SettleReset = 2 * time.Second
	}

	s := &Service{
		deps:        deps,
		log:         deps.Logger,
		throttle:    pathcache.NewThrottle(deps.ThrottleInterval),
		zoom:        12,
		digitalZoom: 1.0,
	}
	s.deps.Perf.SetBaseFrequency(deps.ThrottleInterval)

	if deps.Dispatcher != nil {
		s.registerHandlers(deps.Dispatcher)
	}
	return s, nil
}

func (s *Service) registerHandlers(d *dispatch.Dispatcher) {
	d.Register(EventDrag, func(e dispatch.Event) (any, error) {
		p, ok := e.Payload.(model.GeoPoint)
		if !ok {
			return nil, fmt.Errorf("drag event carries %T, want GeoPoint", e.Payload)
		}
		s.OnDrag(p)
		return nil, nil
	}, dispatch.Coalescing(), dispatch.Logged())

	d.Register(EventPanStop, func(e dispatch.Event) (any, error) {
		s.OnPanStop()
		return nil, nil
	})

	d.Register(EventZoom, func(e dispatch.Event) (any, error) {
		z, ok := e.Payload.(int)
		if !ok {
			return nil, fmt.Errorf("zoom event carries %T, want int", e.Payload)
		}
		s.SetZoom(z)
		return nil, nil
	})

	d.Register(EventStyle, func(e dispatch.Event) (any, error) {
		style, ok := e.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("style event carries %T, want string", e.Payload)
		}
		s.SetStyle(style)
		return nil, nil
	})
}

// CalculateDirectionLine computes (or serves from cache) the great-circle
// path from source to the target. It never panics outward: any computation
// failure is converted to an Invalid state with a message and feeds the
// escalation machine.
func (s *Service) CalculateDirectionLine(source model.GeoPoint) (state model.DirectionState) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Perf.RecordFailure(s.currentDigitalZoom())
			s.log.Error("direction calculation panicked", "cause", fmt.Sprint(r))
			state = model.DirectionState{
				Status:  model.DirectionInvalid,
				Message: fmt.Sprintf("calculation failed: %v", r),
			}
		}
	}()

	if !source.Valid() {
		return model.DirectionState{
			Status:  model.DirectionInvalid,
			Message: fmt.Sprintf("invalid source coordinate (%.4f, %.4f)", source.Lat, source.Lng),
		}
	}

	s.mu.Lock()
	zoom := s.zoom
	digitalZoom := s.digitalZoom
	highPerf := s.highPerfMode
	s.mu.Unlock()
	target := s.deps.Target

	start := time.Now()
	distance := geo.GreatCircleDistance(source, target)
	bearing := geo.ForwardBearing(source, target)
	segments := s.deps.Perf.AdaptiveSegmentCount(zoom, digitalZoom, distance, highPerf)

	path, err := s.deps.Paths.GetOrCompute(source, target, segments, s.computePath)
	if err != nil {
		s.deps.Perf.RecordFailure(digitalZoom)
		s.log.Warn("direction calculation failed",
			"error", err, "escalation", s.deps.Perf.Escalation().String())
		return model.DirectionState{
			Status:         model.DirectionInvalid,
			BearingDeg:     bearing,
			DistanceMeters: distance,
			Message:        fmt.Sprintf("path computation failed: %v", err),
		}
	}
	s.deps.Perf.RecordLatency(time.Since(start))

	// Degradation is judged before the success reset clears the ladder.
	status := model.DirectionValid
	if s.deps.Perf.Escalation() > perf.EscalationNone {
		status = model.DirectionDegraded
	}
	if _, active := s.deps.Perf.Fallback(s.deps.Perf.Tier()); active {
		status = model.DirectionDegraded
	}
	s.deps.Perf.RecordSuccess()

	state = model.DirectionState{
		Status:         status,
		Path:           path,
		BearingDeg:     path.BearingDeg,
		DistanceMeters: path.DistanceMeters,
	}
	s.mu.Lock()
	s.source = source
	s.haveSource = true
	s.lastState = state
	s.haveState = true
	s.mu.Unlock()
	return state
}

func (s *Service) computePath(source, target model.GeoPoint, segments int) (*model.CachedPath, error) {
	points, err := geo.GenerateArc(source, target, segments)
	if err != nil {
		return nil, err
	}
	return &model.CachedPath{
		Points:         points,
		BearingDeg:     geo.ForwardBearing(source, target),
		DistanceMeters: geo.GreatCircleDistance(source, target),
		Segments:       segments,
		CreatedAt:      time.Now(),
	}, nil
}

// LastState returns the most recent direction state, for a renderer that
// keeps drawing the last good path while a recomputation is pending.
func (s *Service) LastState() (model.DirectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState, s.haveState
}

// CulledPath clips the last computed path to the viewport for rendering.
func (s *Service) CulledPath(bounds model.ViewportBounds, includeBuffer bool) []model.GeoPoint {
	s.mu.Lock()
	state := s.lastState
	ok := s.haveState
	s.mu.Unlock()
	if !ok || state.Path == nil {
		return nil
	}
	return s.deps.Culler.Cull(state.Path.Points, bounds, includeBuffer)
}

// OnDrag feeds one pan/drag location update. Recomputation is throttled with
// latest-wins semantics and any pending settle task is cancelled.
func (s *Service) OnDrag(source model.GeoPoint) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastPanAt) > s.deps.SettleReset {
		s.consecutivePans = 0
	}
	s.consecutivePans++
	s.lastPanAt = now
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.source = source
	s.haveSource = true
	s.mu.Unlock()

	s.throttle.Run(func() {
		s.CalculateDirectionLine(source)
	})
}

// OnPanStop schedules the single delayed settle recomputation. The delay
// grows with consecutive-pan frequency and is capped.
func (s *Service) OnPanStop() {
	s.mu.Lock()
	delay := s.deps.SettleBase + time.Duration(s.consecutivePans-1)*s.deps.SettleStep
	if s.consecutivePans == 0 {
		delay = s.deps.SettleBase
	}
	if delay > s.deps.SettleMax {
		delay = s.deps.SettleMax
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	source := s.source
	haveSource := s.haveSource
	s.settleTimer = time.AfterFunc(delay, func() {
		if haveSource {
			s.CalculateDirectionLine(source)
		}
	})
	s.mu.Unlock()
}

// SettleDelay reports the delay the next settle task would use.
func (s *Service) SettleDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	pans := s.consecutivePans
	if time.Since(s.lastPanAt) > s.deps.SettleReset {
		pans = 0
	}
	delay := s.deps.SettleBase
	if pans > 0 {
		delay += time.Duration(pans-1) * s.deps.SettleStep
	}
	if delay > s.deps.SettleMax {
		delay = s.deps.SettleMax
	}
	return delay
}

// SetHighResponsiveness switches the recompute throttle between the default
// interval and the tight drag-time interval.
func (s *Service) SetHighResponsiveness(on bool) {
	if on {
		s.throttle.SetInterval(s.deps.HighResponsivenessThrottle)
	} else {
		s.throttle.SetInterval(s.deps.ThrottleInterval)
	}
}

// SetZoom changes the tile zoom level. Outstanding tile fetches for the old
// zoom are cancelled by the tile engine on the next viewport load.
func (s *Service) SetZoom(zoom int) {
	s.mu.Lock()
	s.zoom = zoom
	s.mu.Unlock()
}

// SetDigitalZoom clamps and applies the post-load magnification.
func (s *Service) SetDigitalZoom(dz float64) {
	if dz < 1.0 {
		dz = 1.0
	}
	if dz > 10.0 {
		dz = 10.0
	}
	s.mu.Lock()
	s.digitalZoom = dz
	s.mu.Unlock()
}

// SetHighPerformanceMode toggles the segment-shedding render mode.
func (s *Service) SetHighPerformanceMode(on bool) {
	s.mu.Lock()
	s.highPerfMode = on
	s.mu.Unlock()
}

// SetStyle switches the tile style, cancelling stale fetches.
func (s *Service) SetStyle(style string) {
	s.deps.Tiles.SetStyle(style)
}

func (s *Service) currentDigitalZoom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digitalZoom
}

// LoadViewport requests the tiles covering the bounds at the current zoom.
func (s *Service) LoadViewport(ctx context.Context, bounds model.ViewportBounds) ([]tilecache.TileRequest, error) {
	s.mu.Lock()
	zoom := s.zoom
	s.mu.Unlock()
	return s.deps.Tiles.LoadViewport(ctx, bounds, zoom)
}

// Stats returns the cache counters and the current performance snapshot.
func (s *Service) Stats() (Stats, error) {
	count, err := s.deps.Tiles.TileCount()
	if err != nil {
		return Stats{}, err
	}
	size, err := s.deps.Tiles.SizeBytes()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TileCount:   count,
		SizeBytes:   size,
		TileHitRate: s.deps.Tiles.HitRate(),
		PathHitRate: s.deps.Paths.HitRate(),
		Performance: s.deps.Perf.Snapshot(),
	}, nil
}

// ClearCache drops the tile and path caches.
func (s *Service) ClearCache() error {
	s.deps.Paths.Reset()
	return s.deps.Tiles.ClearCache()
}

// Stop cancels pending throttled and settle work.
func (s *Service) Stop() {
	s.throttle.Cancel()
	s.mu.Lock()
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.mu.Unlock()
}
