package tilecache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

func newTileServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, url string, retries int) *Fetcher {
	t.Helper()
	f := NewFetcher(FetcherConfig{
		URLTemplate:  url + "/{z}/{x}/{y}.png",
		Workers:      2,
		Retries:      retries,
		NetworkClass: "fast",
	})
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func TestFetcherDownloadsTile(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/7/3/5.png", r.URL.Path)
		fmt.Fprint(w, "pngbytes")
	})
	f := newTestFetcher(t, srv.URL, 1)

	data, err := f.Fetch(context.Background(), model.TileAddress{X: 3, Y: 5, Zoom: 7}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)
}

func TestFetcherRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	})
	f := newTestFetcher(t, srv.URL, 3)

	data, err := f.Fetch(context.Background(), model.TileAddress{X: 0, Y: 0, Zoom: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcherExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	f := newTestFetcher(t, srv.URL, 1)

	_, err := f.Fetch(context.Background(), model.TileAddress{X: 0, Y: 0, Zoom: 1}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchExhausted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcherRejectsEmptyBody(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {})
	f := newTestFetcher(t, srv.URL, 1)

	_, err := f.Fetch(context.Background(), model.TileAddress{X: 0, Y: 0, Zoom: 1}, true)
	assert.ErrorIs(t, err, ErrFetchExhausted)
}

func TestFetcherHonorsCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	t.Cleanup(func() { close(block) })
	f := newTestFetcher(t, srv.URL, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, model.TileAddress{X: 0, Y: 0, Zoom: 1}, true)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFetcherStopFailsQueuedJobs(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	f := newTestFetcher(t, srv.URL, 1)
	f.Stop()

	_, err := f.Fetch(context.Background(), model.TileAddress{X: 0, Y: 0, Zoom: 1}, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNetworkClassDeadlines(t *testing.T) {
	fast := NewFetcher(FetcherConfig{URLTemplate: "http://x/{z}/{x}/{y}", NetworkClass: "fast"})
	slow := NewFetcher(FetcherConfig{URLTemplate: "http://x/{z}/{x}/{y}", NetworkClass: "slow"})
	unknown := NewFetcher(FetcherConfig{URLTemplate: "http://x/{z}/{x}/{y}", NetworkClass: "5g"})

	assert.Less(t, fast.deadline, slow.deadline, "slow links get a longer total deadline")
	assert.Equal(t, fast.deadline, unknown.deadline, "unknown classes fall back to fast")
}
