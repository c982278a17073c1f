// qiblad hosts the map engine as a standalone process: it wires the tile
// cache, path cache, performance monitor and direction-line engine from
// configuration, runs an optional demo sequence, and shuts the stack down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/config"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/dispatch"
	mapengine "github.com/bizzkoot/Qibla-Finder-sub000/internal/engine"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/logging"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/pathcache"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/perf"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/render"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/telemetry"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/tilecache"
	"github.com/bizzkoot/Qibla-Finder-sub000/internal/viewport"
)

var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

var sessionStart = time.Now()

func main() {
	configDir := flag.String("config", ".", "directory containing qibla.cfg.json")
	demo := flag.Bool("demo", false, "run a one-shot direction line and viewport load, then exit")
	flag.Parse()

	if err := run(*configDir, *demo); err != nil {
		fmt.Fprintln(os.Stderr, "qiblad:", err)
		os.Exit(1)
	}
}

func run(configDir string, demo bool) error {
	if err := config.Load(configDir); err != nil {
		return err
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("error creating logs dir: %w", err)
	}
	logFile, err := os.OpenFile(
		logging.LogFilePath(logsDir, "qiblad", sessionStart),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644,
	)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	var logProvider *sdklog.LoggerProvider
	otelProvider, err := telemetry.New(telemetry.Config{
		Enabled:        config.GetBool("otel.enabled"),
		ServiceName:    "qiblad",
		MetricInterval: config.GetDurationMs("otel.metricIntervalMs"),
		LogWriter:      logFile,
		MetricWriter:   logFile,
		Endpoint:       config.GetString("otel.endpoint"),
		Insecure:       config.GetBool("otel.insecure"),
	})
	if err != nil {
		return err
	}
	if otelProvider.Enabled() {
		logProvider = otelProvider.LoggerProvider()
	}

	slogManager := logging.NewSlogManager()
	slogManager.Setup(logFile, config.GetString("logLevel"), logProvider)
	logger := slogManager.Logger()
	logger.Info("starting qiblad", "version", Version, "buildDate", BuildDate)

	zlog := zerolog.New(os.Stderr).With().Timestamp().Logger()
	var snapshotSink perf.SnapshotSink
	influx := telemetry.NewInfluxManager(zlog, filepath.Join(logsDir, "influx_backup.lp.gz"))
	if config.GetBool("influx.enabled") {
		if err := influx.Connect(); err != nil {
			logger.Warn("influx unavailable, snapshots will not be exported", "error", err)
		} else {
			snapshotSink = influx
			defer influx.Close()
		}
	}

	cacheDir := config.GetString("tile.cacheDir")
	store, err := tilecache.NewStore(cacheDir)
	if err != nil {
		return err
	}
	manifest, err := tilecache.OpenManifest(filepath.Join(cacheDir, "manifest.db"))
	if err != nil {
		return err
	}
	defer manifest.Close()

	fetcher := tilecache.NewFetcher(tilecache.FetcherConfig{
		URLTemplate:  config.GetString("tile.serverBase") + "/{z}/{x}/{y}.png",
		Workers:      config.GetInt("tile.fetchWorkers"),
		Retries:      config.GetInt("tile.fetchRetries"),
		NetworkClass: config.GetString("tile.networkClass"),
		Logger:       logger,
	})
	fetcher.Start()
	defer fetcher.Stop()

	perfCtl := perf.NewController(uint64(config.GetInt64("perf.heapBudgetBytes")))

	tiles, err := tilecache.NewEngine(tilecache.Dependencies{
		Store:          store,
		Manifest:       manifest,
		Fetcher:        fetcher,
		Logger:         logger,
		BudgetBytes:    config.GetInt64("tile.cacheBudgetBytes"),
		MaxAge:         time.Duration(config.GetInt("tile.maxAgeMinutes")) * time.Minute,
		BufferFraction: config.GetFloat("tile.bufferFraction"),
		LowResFallback: config.GetBool("tile.lowResFallback"),
		Pressure: func() bool {
			return perfCtl.MemoryRatio() > perf.MemoryThreshold
		},
	})
	if err != nil {
		return err
	}
	tiles.Start()
	defer tiles.Stop()

	monitor, err := perf.NewService(perf.Dependencies{
		Controller: perfCtl,
		Logger:     logger,
		Sink:       snapshotSink,
		Interval:   config.GetDurationMs("perf.pollIntervalMs"),
	})
	if err != nil {
		return err
	}
	monitor.Start()
	defer monitor.Stop()

	dispatcher, err := dispatch.New(logger)
	if err != nil {
		return err
	}

	engine, err := mapengine.NewService(mapengine.Dependencies{
		Tiles:      tiles,
		Paths:      pathcache.New(config.GetInt("path.cacheCapacity"), config.GetFloat("path.keyRounding")),
		Perf:       perfCtl,
		Culler:     viewport.New(),
		Dispatcher: dispatcher,
		Logger:     logger,
		Target: model.GeoPoint{
			Lat: config.GetFloat("target.lat"),
			Lng: config.GetFloat("target.lng"),
		},
		ThrottleInterval:           config.GetDurationMs("path.throttleMs"),
		HighResponsivenessThrottle: config.GetDurationMs("path.highResponsivenessThrottleMs"),
		SettleBase:                 config.GetDurationMs("pan.settleBaseMs"),
		SettleStep:                 config.GetDurationMs("pan.settleStepMs"),
		SettleMax:                  config.GetDurationMs("pan.settleMaxMs"),
		SettleReset:                config.GetDurationMs("pan.settleResetMs"),
	})
	if err != nil {
		return err
	}
	defer engine.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if demo {
		if err := runDemo(ctx, engine, logger); err != nil {
			return err
		}
	} else {
		logger.Info("qiblad running, waiting for shutdown signal")
		<-ctx.Done()
	}

	logger.Info("shutting down")
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(flushCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
	return nil
}

// runDemo computes the Kuala Lumpur direction line and prefetches the
// surrounding viewport, then reports cache statistics.
func runDemo(ctx context.Context, engine *mapengine.Service, logger *slog.Logger) error {
	source := model.GeoPoint{Lat: 3.139, Lng: 101.6869}
	const demoZoom = 12

	engine.SetZoom(demoZoom)
	state := engine.CalculateDirectionLine(source)
	logger.Info("direction line computed",
		"status", state.Status.String(),
		"bearingDeg", state.BearingDeg,
		"distanceKm", state.DistanceMeters/1000,
	)
	if state.Status == model.DirectionInvalid {
		return fmt.Errorf("direction line invalid: %s", state.Message)
	}

	bounds := model.ViewportBounds{
		North:  source.Lat + 0.05,
		South:  source.Lat - 0.05,
		East:   source.Lng + 0.08,
		West:   source.Lng - 0.08,
		Center: source,
	}
	transform, err := render.NewTransform(source, demoZoom, 1.0, 1080, 1920)
	if err != nil {
		return err
	}
	scene, err := render.NewBuilder().Build(transform, source, engine.CulledPath(bounds, true))
	if err != nil {
		return fmt.Errorf("overlay scene rejected: %w", err)
	}
	logger.Info("overlay scene built",
		"primitives", len(scene.Primitives),
		"markerX", scene.MarkerAt.X,
		"markerY", scene.MarkerAt.Y,
	)

	reqs, err := engine.LoadViewport(ctx, bounds)
	if err != nil {
		return err
	}

	deadline := time.After(30 * time.Second)
	for _, req := range reqs {
		for {
			var update model.TileUpdate
			select {
			case update = <-req.Updates.Receive():
			case <-deadline:
				logger.Warn("viewport load timed out")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			if update.State == model.TileHighResReady || update.State == model.TileFailed {
				break
			}
		}
	}

	stats, err := engine.Stats()
	if err != nil {
		return err
	}
	logger.Info("viewport loaded",
		"tiles", len(reqs),
		"cachedTiles", stats.TileCount,
		"cacheBytes", stats.SizeBytes,
		"tier", stats.Performance.Tier.String(),
	)
	return nil
}
