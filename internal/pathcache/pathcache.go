// Package pathcache caches computed great-circle paths keyed by
// rounded-precision endpoints, with LRU eviction and a compute throttle.
package pathcache

import (
	"container/list"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// DefaultKeyRounding is the degree granularity of the cache key. Coarser than
// any perceptible path change, so perceptually-identical positions hit cache.
const DefaultKeyRounding = 1e-4

// ComputeFunc produces a path for a source/target pair.
type ComputeFunc func(source, target model.GeoPoint, segments int) (*model.CachedPath, error)

// Cache is an LRU cache of computed paths. Mutation is single-writer under
// the mutex; entries themselves are immutable once stored.
type Cache struct {
	mu       sync.Mutex
	capacity int
	rounding float64
	order    *list.List               // front = most recently used
	entries  map[string]*list.Element // key -> element whose Value is *entry

	hits   int64
	misses int64
}

type entry struct {
	key  string
	path *model.CachedPath
}

// New creates a path cache. capacity must be positive; rounding <= 0 falls
// back to DefaultKeyRounding.
func New(capacity int, rounding float64) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if rounding <= 0 {
		rounding = DefaultKeyRounding
	}
	return &Cache{
		capacity: capacity,
		rounding: rounding,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// key rounds both endpoints to the configured granularity and combines them
// with the segment count.
func (c *Cache) key(source, target model.GeoPoint, segments int) string {
	r := func(v float64) float64 {
		return math.Round(v/c.rounding) * c.rounding
	}
	return fmt.Sprintf("%.6f:%.6f:%.6f:%.6f:%d",
		r(source.Lat), r(source.Lng), r(target.Lat), r(target.Lng), segments)
}

// GetOrCompute returns the cached path for the rounded key, invoking compute
// on a miss and storing the result.
func (c *Cache) GetOrCompute(source, target model.GeoPoint, segments int, compute ComputeFunc) (*model.CachedPath, error) {
	k := c.key(source, target, segments)

	c.mu.Lock()
	if el, ok := c.entries[k]; ok {
		c.order.MoveToFront(el)
		c.hits++
		path := el.Value.(*entry).path
		c.mu.Unlock()
		return path, nil
	}
	c.misses++
	c.mu.Unlock()

	// compute outside the lock; a concurrent miss on the same key may
	// compute twice but the last store wins with an identical value
	path, err := compute(source, target, segments)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[k]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*entry).path, nil
	}
	el := c.order.PushFront(&entry{key: k, path: path})
	c.entries[k] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
	return path, nil
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// HitRate returns the fraction of lookups served from cache.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Reset drops all entries and counters.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.hits = 0
	c.misses = 0
}

// Throttle rate-limits path computation. Calls inside the minimum interval
// are coalesced: the latest request is remembered and run once the interval
// elapses, so a drag stream costs at most one compute per window.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	pending  *time.Timer
	nextRun  func()
	now      func() time.Time
}

// NewThrottle creates a throttle with the given minimum interval between runs.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// SetInterval adjusts the minimum interval, e.g. when switching between
// normal and high-responsiveness mode.
func (t *Throttle) SetInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
}

// Interval returns the current minimum interval.
func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Run executes fn immediately when the interval has elapsed since the last
// run. Otherwise fn replaces any pending request and runs when the window
// opens. Excess requests are never queued beyond the single pending slot.
func (t *Throttle) Run(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.now().Sub(t.last)
	if elapsed >= t.interval {
		t.last = t.now()
		go fn()
		return
	}

	t.nextRun = fn
	if t.pending == nil {
		t.pending = time.AfterFunc(t.interval-elapsed, func() {
			t.mu.Lock()
			fn := t.nextRun
			t.nextRun = nil
			t.pending = nil
			t.last = t.now()
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	}
}

// Cancel drops any pending coalesced run.
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.nextRun = nil
}
