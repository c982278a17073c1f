// Package perf monitors runtime pressure and derives the adaptive parameters
// (segment counts, update frequency, fallback behavior) consumed by the tile
// and path caches.
package perf

import (
	"runtime"
	"sync"
	"time"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// Segment count clamp. Below the minimum a long arc visibly polygonalizes;
// above the maximum the renderer is overloaded for no visual gain.
const (
	SegmentsMin = 8
	SegmentsMax = 100
)

// Pressure thresholds that trigger additional throttling.
const (
	MemoryThreshold = 0.75
	CPUThreshold    = 0.80
)

// FailureThreshold is the consecutive-failure count that activates fallback.
const FailureThreshold = 5

// latencyWindow is the number of samples in the rolling latency average.
const latencyWindow = 32

// SafeCounter is a thread-safe counter.
type SafeCounter struct {
	mu sync.Mutex
	v  int
}

// Value returns the current count.
func (c *SafeCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

// Set overwrites the count.
func (c *SafeCounter) Set(v int) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Inc increments the count.
func (c *SafeCounter) Inc() {
	c.mu.Lock()
	c.v++
	c.mu.Unlock()
}

// FallbackConfig describes the degraded operating mode for a pressured or
// low-end device. The zero value means no fallback.
type FallbackConfig struct {
	MaxFrequency         time.Duration
	ReduceSegments       bool
	DisablePrecisionMode bool
	SimplifyCalc         bool
	AggressiveCaching    bool
}

// Controller classifies the device and maintains rolling runtime statistics.
// Construct with NewController and share one instance; all methods are safe
// for concurrent use.
type Controller struct {
	heapBudget uint64
	tier       model.DeviceTier

	mu          sync.Mutex
	latencies   [latencyWindow]time.Duration
	latencyIdx  int
	latencyLen  int
	failures    SafeCounter
	escalation  EscalationLevel
	baseFreq    time.Duration
	readMemOnce func(*runtime.MemStats)
}

// NewController creates a controller with the given heap budget in bytes.
// The budget stands in for device capability: it is what an Android runtime
// would report as the per-app heap limit.
func NewController(heapBudgetBytes uint64) *Controller {
	c := &Controller{
		heapBudget:  heapBudgetBytes,
		baseFreq:    100 * time.Millisecond,
		readMemOnce: runtime.ReadMemStats,
	}
	c.tier = classifyTier(heapBudgetBytes)
	return c
}

// classifyTier buckets the device by available heap.
func classifyTier(heapBudget uint64) model.DeviceTier {
	const mb = 1024 * 1024
	switch {
	case heapBudget < 128*mb:
		return model.TierLow
	case heapBudget < 384*mb:
		return model.TierMid
	default:
		return model.TierHigh
	}
}

// Tier returns the classified device tier.
func (c *Controller) Tier() model.DeviceTier {
	return c.tier
}

// RecordLatency feeds one calculation duration into the rolling window.
func (c *Controller) RecordLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[c.latencyIdx] = d
	c.latencyIdx = (c.latencyIdx + 1) % latencyWindow
	if c.latencyLen < latencyWindow {
		c.latencyLen++
	}
}

// AvgLatency returns the rolling average calculation latency.
func (c *Controller) AvgLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgLatencyLocked()
}

func (c *Controller) avgLatencyLocked() time.Duration {
	if c.latencyLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.latencyLen; i++ {
		sum += c.latencies[i]
	}
	return sum / time.Duration(c.latencyLen)
}

// MemoryRatio returns live heap usage relative to the heap budget.
func (c *Controller) MemoryRatio() float64 {
	var ms runtime.MemStats
	c.readMemOnce(&ms)
	if c.heapBudget == 0 {
		return 0
	}
	r := float64(ms.HeapAlloc) / float64(c.heapBudget)
	if r > 1 {
		r = 1
	}
	return r
}

// CPULoadEstimate approximates processing load as the fraction of the update
// budget consumed by the rolling average calculation latency. Portable Go has
// no direct CPU-percentage probe, so latency against budget is the signal.
func (c *Controller) CPULoadEstimate() float64 {
	c.mu.Lock()
	avg := c.avgLatencyLocked()
	base := c.baseFreq
	c.mu.Unlock()
	if base == 0 {
		return 0
	}
	r := float64(avg) / float64(base)
	if r > 1 {
		r = 1
	}
	return r
}

// RecordFailure notes a failed calculation and advances the escalation
// machine when the streak crosses its thresholds.
func (c *Controller) RecordFailure(digitalZoom float64) {
	c.failures.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalation = advanceEscalation(c.escalation, c.failures.Value(), digitalZoom)
}

// RecordSuccess resets the failure streak and the escalation machine.
func (c *Controller) RecordSuccess() {
	c.failures.Set(0)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalation = EscalationNone
}

// ConsecutiveFailures returns the current failure streak.
func (c *Controller) ConsecutiveFailures() int {
	return c.failures.Value()
}

// Escalation returns the current recovery level.
func (c *Controller) Escalation() EscalationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.escalation
}

// AdaptiveSegmentCount picks the great-circle segment count for the given
// view. Base value by zoom bucket, scaled modestly with path length, bumped
// under strong digital zoom, and roughly halved in high-performance mode.
// Always clamped to [SegmentsMin, SegmentsMax].
func (c *Controller) AdaptiveSegmentCount(zoom int, digitalZoom, distanceMeters float64, highPerfMode bool) int {
	var base float64
	switch {
	case zoom <= 5:
		base = 24
	case zoom <= 10:
		base = 32
	case zoom <= 14:
		base = 48
	default:
		base = 64
	}

	// longer arcs get modestly more segments, capped at +50%
	const halfWorld = 2.0e7 // meters
	scale := 1 + 0.5*minFloat(distanceMeters/halfWorld, 1)
	base *= scale

	if digitalZoom >= 4 {
		base *= 1.25
	}
	if highPerfMode {
		base *= 0.5
	}
	if c.Escalation() >= EscalationSimplify {
		base *= 0.5
	}

	n := int(base)
	if n < SegmentsMin {
		n = SegmentsMin
	}
	if n > SegmentsMax {
		n = SegmentsMax
	}
	return n
}

// AdaptiveUpdateFrequency derives the minimum interval between path
// recomputations. Tightened for higher digital zoom, loosened for lower
// device tiers and under memory or CPU pressure.
func (c *Controller) AdaptiveUpdateFrequency(digitalZoom float64, tier model.DeviceTier) time.Duration {
	c.mu.Lock()
	freq := c.baseFreq
	c.mu.Unlock()

	if digitalZoom >= 4 {
		freq = freq / 2
	}

	switch tier {
	case model.TierLow:
		freq *= 2
	case model.TierMid:
		freq = freq * 3 / 2
	}

	if c.MemoryRatio() > MemoryThreshold || c.CPULoadEstimate() > CPUThreshold {
		freq *= 2
	}
	if lvl := c.Escalation(); lvl >= EscalationThrottle {
		freq *= 2
	}
	return freq
}

// SetBaseFrequency adjusts the base recomputation interval, e.g. for the
// high-responsiveness mode.
func (c *Controller) SetBaseFrequency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseFreq = d
}

// Fallback returns the degraded configuration when the device tier is low,
// pressure is detected, or the failure streak crossed the threshold.
// ok is false when no fallback is needed.
func (c *Controller) Fallback(tier model.DeviceTier) (FallbackConfig, bool) {
	pressured := c.MemoryRatio() > MemoryThreshold || c.CPULoadEstimate() > CPUThreshold
	failing := c.failures.Value() >= FailureThreshold
	if tier != model.TierLow && !pressured && !failing {
		return FallbackConfig{}, false
	}
	cfg := FallbackConfig{
		MaxFrequency:      500 * time.Millisecond,
		ReduceSegments:    true,
		AggressiveCaching: true,
	}
	if tier == model.TierLow || failing {
		cfg.DisablePrecisionMode = true
		cfg.SimplifyCalc = true
	}
	return cfg, true
}

// Snapshot builds the transient performance view exposed to callers.
func (c *Controller) Snapshot() model.PerformanceSnapshot {
	return model.PerformanceSnapshot{
		Time:                time.Now(),
		Tier:                c.tier,
		MemoryRatio:         c.MemoryRatio(),
		CPULoadEstimate:     c.CPULoadEstimate(),
		AvgCalcLatencyMs:    float64(c.AvgLatency()) / float64(time.Millisecond),
		ConsecutiveFailures: c.failures.Value(),
		Escalation:          c.Escalation().String(),
	}
}

// Reset clears rolling statistics and the escalation state.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.latencyIdx = 0
	c.latencyLen = 0
	c.escalation = EscalationNone
	c.mu.Unlock()
	c.failures.Set(0)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
