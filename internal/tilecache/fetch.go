package tilecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/queue"
)

// Total fetch deadlines per detected network class. Fast links fail fast so
// the renderer can fall back; slow links get room to finish.
var networkClassDeadlines = map[string]time.Duration{
	"fast":     8 * time.Second,
	"cellular": 15 * time.Second,
	"slow":     30 * time.Second,
}

// ErrFetchExhausted wraps the last attempt error after retries run out.
var ErrFetchExhausted = fmt.Errorf("tile fetch retries exhausted")

// FetcherConfig holds tunables for the download pool.
type FetcherConfig struct {
	URLTemplate  string // {z} {x} {y} placeholders, e.g. "https://tile.example.org/{z}/{x}/{y}.png"
	Workers      int
	Retries      int
	NetworkClass string
	Client       *http.Client
	Logger       *slog.Logger
}

type fetchResult struct {
	data []byte
	err  error
}

type fetchJob struct {
	id   string
	addr model.TileAddress
	ctx  context.Context
	done chan fetchResult
}

// Fetcher downloads tiles through a bounded worker pool. Visible-viewport
// tiles jump the queue ahead of buffer-ring tiles.
type Fetcher struct {
	cfg      FetcherConfig
	deadline time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    *queue.Queue[*fetchJob]
	stopped bool

	wg sync.WaitGroup
}

// NewFetcher builds a fetch pool. Start must be called before Fetch.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	deadline, ok := networkClassDeadlines[cfg.NetworkClass]
	if !ok {
		deadline = networkClassDeadlines["fast"]
	}
	f := &Fetcher{
		cfg:      cfg,
		deadline: deadline,
		jobs:     queue.New[*fetchJob](),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Start launches the worker goroutines.
func (f *Fetcher) Start() {
	for i := 0; i < f.cfg.Workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
}

// Stop drains the pool. Queued jobs fail with a canceled error.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	for {
		job, ok := f.jobs.Pop()
		if !ok {
			break
		}
		job.done <- fetchResult{err: context.Canceled}
	}
	f.mu.Unlock()
	f.cond.Broadcast()
	f.wg.Wait()
}

// Fetch downloads one tile, blocking until it lands or the retries and the
// network-class deadline are spent. Visible tiles take priority over buffer
// tiles in the queue.
func (f *Fetcher) Fetch(ctx context.Context, addr model.TileAddress, visible bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.deadline)
	defer cancel()

	job := &fetchJob{
		id:   uuid.New().String(),
		addr: addr,
		ctx:  ctx,
		done: make(chan fetchResult, 1),
	}

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil, context.Canceled
	}
	if visible {
		f.jobs.PushFront(job)
	} else {
		f.jobs.Push(job)
	}
	f.mu.Unlock()
	f.cond.Signal()

	select {
	case res := <-job.done:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) worker() {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		for f.jobs.Empty() && !f.stopped {
			f.cond.Wait()
		}
		if f.stopped {
			f.mu.Unlock()
			return
		}
		job, _ := f.jobs.Pop()
		f.mu.Unlock()

		data, err := f.attempt(job)
		job.done <- fetchResult{data: data, err: err}
	}
}

// attempt runs the retry loop: up to Retries tries with 1s/2s/4s backoff,
// all under the job's network-class deadline.
func (f *Fetcher) attempt(job *fetchJob) ([]byte, error) {
	url := f.tileURL(job.addr)
	var lastErr error
	backoff := time.Second

	for i := 0; i < f.cfg.Retries; i++ {
		if i > 0 {
			select {
			case <-job.ctx.Done():
				return nil, job.ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		data, err := f.fetchOnce(job.ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if job.ctx.Err() != nil {
			return nil, job.ctx.Err()
		}
		f.cfg.Logger.Debug("tile fetch attempt failed",
			"job", job.id, "tile", job.addr.String(), "attempt", i+1, "error", err)
	}
	return nil, fmt.Errorf("%w for %s: %v", ErrFetchExhausted, job.addr.String(), lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tile server returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tile server returned an empty body")
	}
	return data, nil
}

func (f *Fetcher) tileURL(addr model.TileAddress) string {
	r := strings.NewReplacer(
		"{z}", fmt.Sprintf("%d", addr.Zoom),
		"{x}", fmt.Sprintf("%d", addr.X),
		"{y}", fmt.Sprintf("%d", addr.Y),
	)
	return r.Replace(f.cfg.URLTemplate)
}
