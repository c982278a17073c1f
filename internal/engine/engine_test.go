package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/pathcache"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/perf"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/tilecache"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/viewport"
)

var (
	kualaLumpur = model.GeoPoint{Lat: 3.1390, Lng: 101.6869}
	kaaba       = model.GeoPoint{Lat: 21.4225, Lng: 39.8262}
)

func newTestService(t *testing.T, opts func(*Dependencies)) *Service {
	t.Helper()

	srv := newHTTPTileServer(t)
	store, err := tilecache.NewStore(t.TempDir())
	require.NoError(t, err)
	manifest, err := tilecache.OpenManifest(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = manifest.Close() })

	fetcher := tilecache.NewFetcher(tilecache.FetcherConfig{
		URLTemplate: srv + "/{z}/{x}/{y}.png",
		Workers:     2,
		Retries:     1,
	})
	fetcher.Start()
	t.Cleanup(fetcher.Stop)

	tiles, err := tilecache.NewEngine(tilecache.Dependencies{
		Store: store, Manifest: manifest, Fetcher: fetcher,
		BufferFraction: 0.5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tiles.Stop() })

	deps := Dependencies{
		Tiles:  tiles,
		Paths:  pathcache.New(50, pathcache.DefaultKeyRounding),
		Perf:   perf.NewController(256 * 1024 * 1024),
		Culler: &viewport.Culler{BufferMargin: 1.0},
		Target: kaaba,
	}
	if opts != nil {
		opts(&deps)
	}
	svc, err := NewService(deps)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

func TestCalculateDirectionLineKualaLumpurToKaaba(t *testing.T) {
	svc := newTestService(t, nil)

	state := svc.CalculateDirectionLine(kualaLumpur)
	require.Equal(t, model.DirectionValid, state.Status, "message: %s", state.Message)
	require.NotNil(t, state.Path)

	assert.InDelta(t, 292.5, state.BearingDeg, 1.0)
	assert.InEpsilon(t, 6974000.0, state.DistanceMeters, 0.02)

	pts := state.Path.Points
	require.GreaterOrEqual(t, len(pts), perf.SegmentsMin+1)
	assert.InDelta(t, kualaLumpur.Lat, pts[0].Lat, 1e-9)
	assert.InDelta(t, kaaba.Lat, pts[len(pts)-1].Lat, 1e-9)
}

func TestCalculateDirectionLineCachesWithinWindow(t *testing.T) {
	svc := newTestService(t, nil)

	first := svc.CalculateDirectionLine(kualaLumpur)
	second := svc.CalculateDirectionLine(kualaLumpur)
	require.Equal(t, model.DirectionValid, first.Status)
	require.Equal(t, model.DirectionValid, second.Status)
	assert.Same(t, first.Path, second.Path, "identical request returns the cached path object")

	// A sub-rounding nudge still hits the same entry.
	third := svc.CalculateDirectionLine(model.GeoPoint{
		Lat: kualaLumpur.Lat + 1e-6, Lng: kualaLumpur.Lng,
	})
	assert.Same(t, first.Path, third.Path)
}

func TestCalculateDirectionLineRejectsInvalidSource(t *testing.T) {
	svc := newTestService(t, nil)

	state := svc.CalculateDirectionLine(model.GeoPoint{Lat: 91, Lng: 0})
	assert.Equal(t, model.DirectionInvalid, state.Status)
	assert.NotEmpty(t, state.Message)
	assert.Nil(t, state.Path)

	_, ok := svc.LastState()
	assert.False(t, ok, "invalid input leaves no last-good state")
}

func TestCalculateDirectionLineDegradedUnderEscalation(t *testing.T) {
	svc := newTestService(t, nil)

	// Push the escalation ladder past NoRecovery.
	svc.deps.Perf.RecordFailure(1)
	svc.deps.Perf.RecordFailure(1)
	require.Greater(t, svc.deps.Perf.Escalation(), perf.EscalationNone)

	state := svc.CalculateDirectionLine(kualaLumpur)
	assert.Equal(t, model.DirectionDegraded, state.Status)
	assert.NotNil(t, state.Path, "degraded still carries a usable path")

	// The success reset restores full fidelity on the next call.
	state = svc.CalculateDirectionLine(model.GeoPoint{Lat: 4.0, Lng: 100.0})
	assert.Equal(t, model.DirectionValid, state.Status)
}

func TestSettleDelayGrowsAndCaps(t *testing.T) {
	svc := newTestService(t, func(d *Dependencies) {
		d.SettleBase = 400 * time.Millisecond
		d.SettleStep = 100 * time.Millisecond
		d.SettleMax = 800 * time.Millisecond
		d.SettleReset = 2 * time.Second
	})

	assert.Equal(t, 400*time.Millisecond, svc.SettleDelay())

	for i := 0; i < 3; i++ {
		svc.OnDrag(kualaLumpur)
	}
	assert.Equal(t, 600*time.Millisecond, svc.SettleDelay())

	for i := 0; i < 10; i++ {
		svc.OnDrag(kualaLumpur)
	}
	assert.Equal(t, 800*time.Millisecond, svc.SettleDelay(), "delay caps at the maximum")
}

func TestSettleRecomputesAfterPanStop(t *testing.T) {
	svc := newTestService(t, func(d *Dependencies) {
		d.SettleBase = 20 * time.Millisecond
		d.SettleStep = 5 * time.Millisecond
		d.SettleMax = 50 * time.Millisecond
	})

	svc.OnDrag(kualaLumpur)
	svc.OnPanStop()

	assert.Eventually(t, func() bool {
		state, ok := svc.LastState()
		return ok && state.Status == model.DirectionValid
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewPanCancelsPendingSettle(t *testing.T) {
	svc := newTestService(t, func(d *Dependencies) {
		d.SettleBase = 50 * time.Millisecond
	})

	svc.OnDrag(kualaLumpur)
	svc.OnPanStop()
	svc.OnDrag(kualaLumpur) // cancels the pending settle

	svc.mu.Lock()
	timer := svc.settleTimer
	svc.mu.Unlock()
	assert.Nil(t, timer)
}

func TestCulledPathClipsToViewport(t *testing.T) {
	svc := newTestService(t, nil)
	state := svc.CalculateDirectionLine(kualaLumpur)
	require.Equal(t, model.DirectionValid, state.Status)

	// A viewport near the source end of the arc.
	bounds := model.ViewportBounds{North: 10, South: -2, West: 95, East: 105}
	culled := svc.CulledPath(bounds, false)
	require.NotEmpty(t, culled)
	assert.Less(t, len(culled), len(state.Path.Points))
}

func TestSetDigitalZoomClamps(t *testing.T) {
	svc := newTestService(t, nil)
	svc.SetDigitalZoom(0.25)
	assert.Equal(t, 1.0, svc.currentDigitalZoom())
	svc.SetDigitalZoom(64)
	assert.Equal(t, 10.0, svc.currentDigitalZoom())
	svc.SetDigitalZoom(3.5)
	assert.Equal(t, 3.5, svc.currentDigitalZoom())
}

func TestStatsSurface(t *testing.T) {
	svc := newTestService(t, nil)
	svc.CalculateDirectionLine(kualaLumpur)
	svc.CalculateDirectionLine(kualaLumpur)

	stats, err := svc.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.TileCount)
	assert.InDelta(t, 0.5, stats.PathHitRate, 0.001)
	assert.Equal(t, model.TierMid, stats.Performance.Tier)
}

func TestClearCacheResetsBothCaches(t *testing.T) {
	svc := newTestService(t, nil)
	svc.CalculateDirectionLine(kualaLumpur)
	require.NotZero(t, svc.deps.Paths.Len())

	require.NoError(t, svc.ClearCache())
	assert.Zero(t, svc.deps.Paths.Len())
}

func TestLoadViewportThroughEngine(t *testing.T) {
	svc := newTestService(t, nil)
	svc.SetZoom(6)

	bounds := model.ViewportBounds{North: 5, South: 1, West: 99, East: 104}
	reqs, err := svc.LoadViewport(context.Background(), bounds)
	require.NoError(t, err)
	require.NotEmpty(t, reqs)

	for _, req := range reqs {
		var last model.TileUpdate
		for u := range req.Updates.Receive() {
			last = u
		}
		assert.Equal(t, model.TileHighResReady, last.State)
	}

	stats, err := svc.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(len(reqs)), stats.TileCount)
}

// newHTTPTileServer serves a fixed body for any tile path.
func newHTTPTileServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pngdata")
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}
