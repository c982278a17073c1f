package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

const instrumentationName = "github.com/bizzkoot/Qibla-Finder-sub000/internal/perf"

// SnapshotSink receives periodic performance snapshots, e.g. the influx
// exporter or a UI surface.
type SnapshotSink interface {
	WriteSnapshot(model.PerformanceSnapshot)
}

// Dependencies holds all dependencies for the monitor service.
type Dependencies struct {
	Controller *Controller
	Logger     *slog.Logger
	Sink       SnapshotSink // optional
	Interval   time.Duration
}

// Service polls the controller on a fixed interval, publishes gauges and
// forwards snapshots to the sink.
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}

	memGauge     metric.Float64ObservableGauge
	cpuGauge     metric.Float64ObservableGauge
	latencyGauge metric.Float64ObservableGauge
}

// NewService creates a new monitor service.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	s := &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}

	m := otel.Meter(instrumentationName)
	var err error
	if s.memGauge, err = m.Float64ObservableGauge(
		"perf.memory.ratio",
		metric.WithDescription("Heap usage relative to the device heap budget"),
	); err != nil {
		return nil, err
	}
	if s.cpuGauge, err = m.Float64ObservableGauge(
		"perf.cpu.estimate",
		metric.WithDescription("Estimated processing load"),
	); err != nil {
		return nil, err
	}
	if s.latencyGauge, err = m.Float64ObservableGauge(
		"perf.calc.latency_ms",
		metric.WithDescription("Rolling average calculation latency"),
	); err != nil {
		return nil, err
	}

	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap := deps.Controller.Snapshot()
		o.ObserveFloat64(s.memGauge, snap.MemoryRatio)
		o.ObserveFloat64(s.cpuGauge, snap.CPULoadEstimate)
		o.ObserveFloat64(s.latencyGauge, snap.AvgCalcLatencyMs)
		return nil
	}, s.memGauge, s.cpuGauge, s.latencyGauge)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// IsRunning returns whether the monitor loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Start launches the polling goroutine. Starting a running service is a
// no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		s.deps.Logger.Debug("starting performance monitor", "interval", s.deps.Interval)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				snap := s.deps.Controller.Snapshot()
				if snap.MemoryRatio > MemoryThreshold {
					s.deps.Logger.Warn("memory pressure detected",
						"ratio", snap.MemoryRatio, "tier", snap.Tier.String())
				}
				if s.deps.Sink != nil {
					s.deps.Sink.WriteSnapshot(snap)
				}
			}
		}
	}()
}

// Stop halts the polling goroutine. Stopping a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		s.isRunning = false
		close(s.stopChan)
	}
}
