package pathcache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

var target = model.GeoPoint{Lat: 21.4225, Lng: 39.8262}

func countingCompute(calls *atomic.Int64) ComputeFunc {
	return func(source, target model.GeoPoint, segments int) (*model.CachedPath, error) {
		calls.Add(1)
		return &model.CachedPath{
			Points:    []model.GeoPoint{source, target},
			Segments:  segments,
			CreatedAt: time.Now(),
		}, nil
	}
}

func TestGetOrComputeCachesByRoundedKey(t *testing.T) {
	var calls atomic.Int64
	c := New(10, DefaultKeyRounding)
	src := model.GeoPoint{Lat: 3.1390, Lng: 101.6869}

	first, err := c.GetOrCompute(src, target, 32, countingCompute(&calls))
	require.NoError(t, err)
	second, err := c.GetOrCompute(src, target, 32, countingCompute(&calls))
	require.NoError(t, err)

	assert.Same(t, first, second, "rounded-identical request must return the cached object")
	assert.Equal(t, int64(1), calls.Load(), "compute must run exactly once")
}

func TestGetOrComputeSubGranularityMovementHits(t *testing.T) {
	var calls atomic.Int64
	c := New(10, 1e-4)
	src := model.GeoPoint{Lat: 3.13900, Lng: 101.68690}
	nudged := model.GeoPoint{Lat: 3.13901, Lng: 101.68691} // below rounding granularity

	_, err := c.GetOrCompute(src, target, 32, countingCompute(&calls))
	require.NoError(t, err)
	_, err = c.GetOrCompute(nudged, target, 32, countingCompute(&calls))
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load(), "movement below granularity should hit cache")
}

func TestGetOrComputeLargeMovementMisses(t *testing.T) {
	var calls atomic.Int64
	c := New(10, 1e-4)
	src := model.GeoPoint{Lat: 3.1390, Lng: 101.6869}
	moved := model.GeoPoint{Lat: 3.1410, Lng: 101.6869} // two key steps away

	_, err := c.GetOrCompute(src, target, 32, countingCompute(&calls))
	require.NoError(t, err)
	_, err = c.GetOrCompute(moved, target, 32, countingCompute(&calls))
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestSegmentCountIsPartOfKey(t *testing.T) {
	var calls atomic.Int64
	c := New(10, 1e-4)
	src := model.GeoPoint{Lat: 3.1390, Lng: 101.6869}

	_, err := c.GetOrCompute(src, target, 32, countingCompute(&calls))
	require.NoError(t, err)
	_, err = c.GetOrCompute(src, target, 64, countingCompute(&calls))
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestCapacityNeverExceeded(t *testing.T) {
	var calls atomic.Int64
	c := New(5, 1e-4)

	for i := 0; i < 20; i++ {
		src := model.GeoPoint{Lat: float64(i), Lng: 0}
		_, err := c.GetOrCompute(src, target, 16, countingCompute(&calls))
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Len(), 5)
	}
	assert.Equal(t, 5, c.Len())
}

func TestLRUEvictionOrder(t *testing.T) {
	var calls atomic.Int64
	c := New(2, 1e-4)
	a := model.GeoPoint{Lat: 1, Lng: 0}
	b := model.GeoPoint{Lat: 2, Lng: 0}
	d := model.GeoPoint{Lat: 3, Lng: 0}

	_, _ = c.GetOrCompute(a, target, 16, countingCompute(&calls))
	_, _ = c.GetOrCompute(b, target, 16, countingCompute(&calls))
	// touch a so that b is the eviction candidate
	_, _ = c.GetOrCompute(a, target, 16, countingCompute(&calls))
	_, _ = c.GetOrCompute(d, target, 16, countingCompute(&calls))

	before := calls.Load()
	_, _ = c.GetOrCompute(a, target, 16, countingCompute(&calls))
	assert.Equal(t, before, calls.Load(), "a should still be cached")

	_, _ = c.GetOrCompute(b, target, 16, countingCompute(&calls))
	assert.Equal(t, before+1, calls.Load(), "b should have been evicted")
}

func TestHitRateAndReset(t *testing.T) {
	var calls atomic.Int64
	c := New(10, 1e-4)
	src := model.GeoPoint{Lat: 3.1390, Lng: 101.6869}

	_, _ = c.GetOrCompute(src, target, 16, countingCompute(&calls))
	_, _ = c.GetOrCompute(src, target, 16, countingCompute(&calls))
	_, _ = c.GetOrCompute(src, target, 16, countingCompute(&calls))

	assert.InDelta(t, 2.0/3.0, c.HitRate(), 1e-9)

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.HitRate())
}

func TestThrottleCoalescesBurst(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)
	var runs atomic.Int64

	for i := 0; i < 20; i++ {
		th.Run(func() { runs.Add(1) })
	}

	// first call runs immediately, the burst coalesces into one trailing run
	assert.Eventually(t, func() bool { return runs.Load() == 2 },
		500*time.Millisecond, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int64(2), runs.Load(), "no further runs without new requests")
}

func TestThrottleAllowsAfterInterval(t *testing.T) {
	th := NewThrottle(20 * time.Millisecond)
	var runs atomic.Int64

	th.Run(func() { runs.Add(1) })
	time.Sleep(40 * time.Millisecond)
	th.Run(func() { runs.Add(1) })

	assert.Eventually(t, func() bool { return runs.Load() == 2 },
		200*time.Millisecond, 5*time.Millisecond)
}

func TestThrottleCancelDropsPending(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)
	var runs atomic.Int64

	th.Run(func() { runs.Add(1) }) // immediate
	th.Run(func() { runs.Add(1) }) // pending
	th.Cancel()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestThrottleHighResponsivenessInterval(t *testing.T) {
	th := NewThrottle(100 * time.Millisecond)
	th.SetInterval(8 * time.Millisecond)
	assert.Equal(t, 8*time.Millisecond, th.Interval())
}
