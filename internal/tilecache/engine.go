package tilecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/channel"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/geo"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// ErrEngineClosed is returned for requests issued after Stop.
var ErrEngineClosed = errors.New("tile engine is stopped")

const (
	// evictBatch bounds how many manifest rows one eviction pass pulls.
	evictBatch = 32
	// budgetFloor keeps repeated pressure halvings from zeroing the cache.
	budgetFloor = int64(1 << 20)
	// streamBuffer sizes each tile update stream. Terminal states always
	// land; intermediate ones may be dropped when the consumer lags.
	streamBuffer = 4
)

// Dependencies holds all dependencies for the tile cache engine.
type Dependencies struct {
	Store    *Store
	Manifest *Manifest
	Fetcher  *Fetcher
	Logger   *slog.Logger

	BudgetBytes    int64
	MaxAge         time.Duration
	SweepInterval  time.Duration
	BufferFraction float64
	LowResFallback bool

	// Pressure reports memory pressure when set. Consulted by PreloadCheck
	// before bulk viewport loads.
	Pressure func() bool
}

// TileRequest pairs one requested address with its update stream.
type TileRequest struct {
	Address model.TileAddress
	Visible bool
	Updates channel.Receiver[model.TileUpdate]
}

type inflightFetch struct {
	done chan struct{}
}

// Engine drives the tile lifecycle per address:
// Loading -> {LowResReady -> HighResReady | HighResReady | Failed}.
// Failed tiles can be retried by issuing a new request.
type Engine struct {
	deps Dependencies
	log  *slog.Logger

	mu       sync.RWMutex
	states   map[string]model.TileState
	inflight map[string]*inflightFetch
	pending  map[string]maptile.Set // style -> in-flight tile geometry
	budget   int64
	style    string
	zoom     int
	closed   bool

	genMu     sync.Mutex
	genCtx    context.Context
	genCancel context.CancelFunc

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	sweepWG  sync.WaitGroup

	metrics engineMetrics
}

// NewEngine builds the engine, reconciles the manifest against the file
// store and restores persisted hit/miss stats for the default style.
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Manifest == nil || deps.Fetcher == nil {
		return nil, errors.New("tile engine requires a store, a manifest and a fetcher")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.BudgetBytes <= 0 {
		deps.BudgetBytes = 100 * 1024 * 1024
	}
	if deps.MaxAge <= 0 {
		deps.MaxAge = 30 * time.Minute
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = time.Minute
	}

	e := &Engine{
		deps:     deps,
		log:      deps.Logger,
		states:   make(map[string]model.TileState),
		inflight: make(map[string]*inflightFetch),
		pending:  make(map[string]maptile.Set),
		budget:   deps.BudgetBytes,
		style:    model.DefaultStyle,
		stopChan: make(chan struct{}),
	}
	e.genCtx, e.genCancel = context.WithCancel(context.Background())

	if err := e.reconcileManifest(); err != nil {
		return nil, err
	}

	stats, err := deps.Manifest.LoadStats(e.style)
	if err != nil {
		return nil, err
	}
	e.hits.Store(stats.Hits)
	e.misses.Store(stats.Misses)

	if err := e.initMetrics(); err != nil {
		return nil, err
	}
	return e, nil
}

// reconcileManifest rebuilds the manifest from disk when the row count
// disagrees with the files actually present.
func (e *Engine) reconcileManifest() error {
	recs, err := e.deps.Store.Enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate tile store: %w", err)
	}
	count, err := e.deps.Manifest.Count()
	if err != nil {
		return err
	}
	if count == int64(len(recs)) {
		return nil
	}
	e.log.Info("rebuilding tile manifest from disk",
		"manifestRows", count, "diskFiles", len(recs))
	return e.deps.Manifest.Rebuild(recs)
}

// Start launches the age sweep loop.
func (e *Engine) Start() {
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		ticker := time.NewTicker(e.deps.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopChan:
				return
			case <-ticker.C:
				if err := e.sweep(); err != nil {
					e.log.Warn("tile cache sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels outstanding fetches, stops the sweep loop and persists the
// hit/miss stats.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.stopChan)
		e.genCancel()
	})
	e.sweepWG.Wait()
	return e.deps.Manifest.SaveStats(e.style, StatsPayload{
		Hits:   e.hits.Load(),
		Misses: e.misses.Load(),
	})
}

// RequestTile opens an update stream for one tile. The stream always starts
// with Loading and ends with a terminal state, after which it is closed.
func (e *Engine) RequestTile(ctx context.Context, addr model.TileAddress) (channel.Receiver[model.TileUpdate], error) {
	return e.request(ctx, addr, true)
}

func (e *Engine) request(ctx context.Context, addr model.TileAddress, visible bool) (channel.Receiver[model.TileUpdate], error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("%w: %s", geo.ErrTileOutOfRange, addr.String())
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if addr.Style == "" {
		addr.Style = e.style
	}
	e.mu.Unlock()

	e.genMu.Lock()
	gen := e.genCtx
	e.genMu.Unlock()

	// The producer observes both the caller's context and the current
	// style/zoom generation; a switch cancels it mid-fetch.
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(gen, cancel)

	stream := channel.NewBuffered[model.TileUpdate](streamBuffer)
	go func() {
		defer cancel()
		defer stop()
		e.produce(ctx, addr, stream, visible)
	}()
	return stream, nil
}

// produce runs one tile through the state machine, emitting on the stream.
func (e *Engine) produce(ctx context.Context, addr model.TileAddress, out *channel.Buffered[model.TileUpdate], visible bool) {
	defer out.Close()

	key := addr.Key()
	e.setState(key, model.TileLoading)
	out.Send(model.TileUpdate{Address: addr, State: model.TileLoading})

	// Disk hit: terminal immediately.
	data, ok, err := e.deps.Store.Read(addr)
	if err != nil {
		e.fail(addr, out, err)
		return
	}
	if ok {
		e.hits.Add(1)
		e.metrics.hit(ctx)
		if err := e.deps.Manifest.Touch(key, time.Now()); err != nil {
			e.log.Debug("manifest touch failed", "tile", key, "error", err)
		}
		e.setState(key, model.TileHighResReady)
		out.Send(model.TileUpdate{Address: addr, State: model.TileHighResReady, Image: data})
		return
	}
	e.misses.Add(1)
	e.metrics.miss(ctx)

	leader := e.registerInflight(addr)
	if !leader {
		e.awaitInflight(ctx, addr, out)
		return
	}
	defer e.unregisterInflight(addr)

	// Serve the covering zoom-1 tile as a stopgap while the real fetch runs.
	if e.deps.LowResFallback {
		if parent, ok := addr.Parent(); ok {
			if pdata, phit, perr := e.deps.Store.Read(parent); perr == nil && phit {
				e.setState(key, model.TileLowResReady)
				out.TrySend(model.TileUpdate{Address: addr, State: model.TileLowResReady, Image: pdata})
			}
		}
	}

	data, err = e.deps.Fetcher.Fetch(ctx, addr, visible)
	if err != nil {
		e.fail(addr, out, err)
		return
	}
	if err := e.deps.Store.Write(addr, data); err != nil {
		e.fail(addr, out, err)
		return
	}
	now := time.Now()
	if err := e.deps.Manifest.Upsert(TileRecord{
		Key: key, Style: addr.Style, Zoom: addr.Zoom, X: addr.X, Y: addr.Y,
		SizeBytes: int64(len(data)), FetchedAt: now, LastAccess: now,
	}); err != nil {
		e.log.Warn("manifest upsert failed", "tile", key, "error", err)
	}

	e.setState(key, model.TileHighResReady)
	out.Send(model.TileUpdate{Address: addr, State: model.TileHighResReady, Image: data})

	if err := e.evictToBudget(); err != nil {
		e.log.Warn("size eviction failed", "error", err)
	}
}

func (e *Engine) fail(addr model.TileAddress, out *channel.Buffered[model.TileUpdate], err error) {
	e.failures.Add(1)
	e.metrics.failure(context.Background())
	e.setState(addr.Key(), model.TileFailed)
	out.Send(model.TileUpdate{Address: addr, State: model.TileFailed, Err: err})
}

// registerInflight marks the tile as being fetched. Returns false when a
// fetch for the same address is already running, in which case the caller
// should wait instead of issuing a duplicate download.
func (e *Engine) registerInflight(addr model.TileAddress) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := addr.Key()
	if _, exists := e.inflight[key]; exists {
		return false
	}
	e.inflight[key] = &inflightFetch{done: make(chan struct{})}
	set, ok := e.pending[addr.Style]
	if !ok {
		set = make(maptile.Set)
		e.pending[addr.Style] = set
	}
	set[maptile.New(uint32(addr.X), uint32(addr.Y), maptile.Zoom(addr.Zoom))] = true
	return true
}

func (e *Engine) unregisterInflight(addr model.TileAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := addr.Key()
	if f, ok := e.inflight[key]; ok {
		close(f.done)
		delete(e.inflight, key)
	}
	if set, ok := e.pending[addr.Style]; ok {
		delete(set, maptile.New(uint32(addr.X), uint32(addr.Y), maptile.Zoom(addr.Zoom)))
	}
}

// awaitInflight follows another request's fetch and serves its result from
// disk once it lands.
func (e *Engine) awaitInflight(ctx context.Context, addr model.TileAddress, out *channel.Buffered[model.TileUpdate]) {
	key := addr.Key()
	e.mu.RLock()
	f, ok := e.inflight[key]
	e.mu.RUnlock()
	if ok {
		select {
		case <-ctx.Done():
			e.fail(addr, out, ctx.Err())
			return
		case <-f.done:
		}
	}
	data, hit, err := e.deps.Store.Read(addr)
	if err != nil {
		e.fail(addr, out, err)
		return
	}
	if !hit {
		e.fail(addr, out, fmt.Errorf("%w for %s: concurrent fetch did not land", ErrFetchExhausted, key))
		return
	}
	e.setState(key, model.TileHighResReady)
	out.Send(model.TileUpdate{Address: addr, State: model.TileHighResReady, Image: data})
}

// InflightTile reports whether a fetch for the address is currently running.
func (e *Engine) InflightTile(addr model.TileAddress) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set, ok := e.pending[addr.Style]
	if !ok {
		return false
	}
	return set[maptile.New(uint32(addr.X), uint32(addr.Y), maptile.Zoom(addr.Zoom))]
}

// State returns the last known lifecycle state for an address.
func (e *Engine) State(addr model.TileAddress) (model.TileState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[addr.Key()]
	return s, ok
}

func (e *Engine) setState(key string, s model.TileState) {
	e.mu.Lock()
	e.states[key] = s
	e.mu.Unlock()
}

// LoadViewport partitions the covering tiles into the visible set and the
// buffer ring, then issues requests visible-first. Visible tiles also take
// fetch-queue priority over buffer tiles.
func (e *Engine) LoadViewport(ctx context.Context, bounds model.ViewportBounds, zoom int) ([]TileRequest, error) {
	e.mu.RLock()
	style := e.style
	curZoom := e.zoom
	e.mu.RUnlock()
	if zoom != curZoom {
		e.switchGeneration()
		e.mu.Lock()
		e.zoom = zoom
		e.mu.Unlock()
	}

	e.PreloadCheck()

	visible, buffer, err := PartitionViewport(bounds, zoom, style, e.deps.BufferFraction)
	if err != nil {
		return nil, err
	}

	reqs := make([]TileRequest, 0, len(visible)+len(buffer))
	for _, addr := range visible {
		stream, err := e.request(ctx, addr, true)
		if err != nil {
			return reqs, err
		}
		reqs = append(reqs, TileRequest{Address: addr, Visible: true, Updates: stream})
	}
	for _, addr := range buffer {
		stream, err := e.request(ctx, addr, false)
		if err != nil {
			return reqs, err
		}
		reqs = append(reqs, TileRequest{Address: addr, Visible: false, Updates: stream})
	}
	return reqs, nil
}

// SetStyle switches the active tile style, cancelling fetches issued for the
// previous one.
func (e *Engine) SetStyle(style string) {
	e.mu.Lock()
	if style == "" || style == e.style {
		e.mu.Unlock()
		return
	}
	e.style = style
	e.mu.Unlock()
	e.switchGeneration()
}

// switchGeneration cancels every outstanding fetch. New requests run under a
// fresh context.
func (e *Engine) switchGeneration() {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.genCancel()
	e.genCtx, e.genCancel = context.WithCancel(context.Background())
}

// PreloadCheck is the memory-pressure gate callers hit before bulk loads.
// Under pressure it halves the effective cache budget, forces an eviction
// pass and reports false.
func (e *Engine) PreloadCheck() bool {
	if e.deps.Pressure == nil || !e.deps.Pressure() {
		return true
	}
	e.mu.Lock()
	e.budget = e.budget / 2
	if e.budget < budgetFloor && e.deps.BudgetBytes > budgetFloor {
		e.budget = budgetFloor
	}
	budget := e.budget
	e.mu.Unlock()
	e.log.Warn("memory pressure: tile budget halved", "budgetBytes", budget)
	if err := e.evictToBudget(); err != nil {
		e.log.Warn("pressure eviction failed", "error", err)
	}
	return false
}

// EffectiveBudget returns the current byte budget, after any pressure
// halvings.
func (e *Engine) EffectiveBudget() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.budget
}

// evictToBudget deletes oldest-fetched tiles until the store fits the
// effective budget.
func (e *Engine) evictToBudget() error {
	e.mu.RLock()
	budget := e.budget
	e.mu.RUnlock()
	for {
		total, err := e.deps.Manifest.TotalSize()
		if err != nil {
			return err
		}
		if total <= budget {
			return nil
		}
		recs, err := e.deps.Manifest.OldestFirst(evictBatch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		freed := int64(0)
		keys := make([]string, 0, len(recs))
		for _, rec := range recs {
			if total-freed <= budget {
				break
			}
			if err := e.deps.Store.Delete(rec.Key); err != nil {
				return err
			}
			freed += rec.SizeBytes
			keys = append(keys, rec.Key)
		}
		if err := e.deps.Manifest.Delete(keys...); err != nil {
			return err
		}
		e.log.Debug("evicted tiles over budget", "count", len(keys), "freedBytes", freed)
	}
}

// sweep evicts tiles unmodified for longer than MaxAge, regardless of total
// size, then enforces the byte budget.
func (e *Engine) sweep() error {
	cutoff := time.Now().Add(-e.deps.MaxAge)
	recs, err := e.deps.Manifest.OlderThan(cutoff)
	if err != nil {
		return err
	}
	if len(recs) > 0 {
		keys := make([]string, 0, len(recs))
		for _, rec := range recs {
			if err := e.deps.Store.Delete(rec.Key); err != nil {
				return err
			}
			keys = append(keys, rec.Key)
		}
		if err := e.deps.Manifest.Delete(keys...); err != nil {
			return err
		}
		e.log.Debug("age sweep evicted tiles", "count", len(keys))
	}
	return e.evictToBudget()
}

// TileCount returns the number of cached tiles.
func (e *Engine) TileCount() (int64, error) {
	return e.deps.Manifest.Count()
}

// SizeBytes returns the total cached byte size.
func (e *Engine) SizeBytes() (int64, error) {
	return e.deps.Manifest.TotalSize()
}

// HitRate returns the fraction of reads served from disk, in [0,1].
func (e *Engine) HitRate() float64 {
	hits := float64(e.hits.Load())
	total := hits + float64(e.misses.Load())
	if total == 0 {
		return 0
	}
	return hits / total
}

// ClearCache removes every cached tile, cancels outstanding fetches and
// restores the full budget. Hit/miss stats survive.
func (e *Engine) ClearCache() error {
	e.switchGeneration()
	if err := e.deps.Store.Clear(); err != nil {
		return err
	}
	if err := e.deps.Manifest.Clear(); err != nil {
		return err
	}
	e.mu.Lock()
	e.states = make(map[string]model.TileState)
	e.budget = e.deps.BudgetBytes
	e.mu.Unlock()
	return nil
}

// PartitionViewport computes the visible tile set covering the bounds and a
// buffer ring around it. The ring width grows until the buffer holds roughly
// fraction times the visible tile count.
func PartitionViewport(bounds model.ViewportBounds, zoom int, style string, fraction float64) (visible, buffer []model.TileAddress, err error) {
	x0, y0, err := geo.GeoToTile(bounds.North, bounds.West, zoom)
	if err != nil {
		return nil, nil, err
	}
	x1, y1, err := geo.GeoToTile(bounds.South, bounds.East, zoom)
	if err != nil {
		return nil, nil, err
	}
	n := 1 << uint(zoom)
	minX, maxX := int(math.Floor(x0)), int(math.Floor(x1))
	minY, maxY := int(math.Floor(y0)), int(math.Floor(y1))
	if maxY >= n {
		maxY = n - 1
	}
	if maxX >= n {
		maxX = n - 1
	}

	wrapped := bounds.WrapsAntimeridian()
	width := maxX - minX + 1
	if wrapped {
		width = (n - minX) + maxX + 1
	}
	height := maxY - minY + 1

	inVisible := make(map[model.TileAddress]bool)
	for dy := 0; dy < height; dy++ {
		for dx := 0; dx < width; dx++ {
			addr := model.TileAddress{
				X: (minX + dx) % n, Y: minY + dy, Zoom: zoom, Style: style,
			}
			if addr.Valid() {
				visible = append(visible, addr)
				inVisible[addr] = true
			}
		}
	}

	ring := ringWidth(width, height, fraction)
	for r := 1; r <= ring; r++ {
		for dy := -r; dy <= height-1+r; dy++ {
			for dx := -r; dx <= width-1+r; dx++ {
				onRing := dy == -r || dy == height-1+r || dx == -r || dx == width-1+r
				if !onRing {
					continue
				}
				x := minX + dx
				x = ((x % n) + n) % n
				addr := model.TileAddress{X: x, Y: minY + dy, Zoom: zoom, Style: style}
				if addr.Valid() && !inVisible[addr] {
					buffer = append(buffer, addr)
					inVisible[addr] = true
				}
			}
		}
	}
	return visible, buffer, nil
}

// ringWidth picks the widest ring whose tile count stays within fraction of
// the visible count. Always at least one when a fraction is configured.
func ringWidth(w, h int, fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	visible := w * h
	budget := int(fraction * float64(visible))
	ring := 0
	for {
		next := ring + 1
		added := (w+2*next)*(h+2*next) - visible
		if ring > 0 && added > budget {
			return ring
		}
		if ring == 0 && added > budget {
			return 1
		}
		ring = next
		if ring > 8 {
			return 8
		}
	}
}
