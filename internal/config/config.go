// Package config loads subsystem settings through viper with defaults for
// every tunable.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from qibla.cfg.json in configDir and sets default
// values. A missing file is not fatal: the defaults describe a working
// mid-tier device setup.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./qiblalogs")

	viper.SetDefault("tile.serverBase", "https://tile.openstreetmap.org")
	viper.SetDefault("tile.styles", map[string]string{
		"standard": "https://tile.openstreetmap.org",
	})
	viper.SetDefault("tile.cacheDir", "./tilecache")
	viper.SetDefault("tile.cacheBudgetBytes", 100*1024*1024)
	viper.SetDefault("tile.maxAgeMinutes", 30)
	viper.SetDefault("tile.fetchWorkers", 5)
	viper.SetDefault("tile.fetchRetries", 3)
	viper.SetDefault("tile.bufferFraction", 0.5)
	viper.SetDefault("tile.networkClass", "fast") // fast | slow | cellular
	viper.SetDefault("tile.lowResFallback", true)

	viper.SetDefault("path.cacheCapacity", 50)
	viper.SetDefault("path.throttleMs", 100)
	viper.SetDefault("path.highResponsivenessThrottleMs", 8)
	viper.SetDefault("path.keyRounding", 1e-4)

	viper.SetDefault("perf.segmentsMin", 8)
	viper.SetDefault("perf.segmentsMax", 100)
	viper.SetDefault("perf.memoryThreshold", 0.75)
	viper.SetDefault("perf.cpuThreshold", 0.80)
	viper.SetDefault("perf.failureThreshold", 5)
	viper.SetDefault("perf.heapBudgetBytes", 256*1024*1024)
	viper.SetDefault("perf.pollIntervalMs", 1000)

	viper.SetDefault("pan.settleBaseMs", 400)
	viper.SetDefault("pan.settleStepMs", 100)
	viper.SetDefault("pan.settleMaxMs", 800)
	viper.SetDefault("pan.settleResetMs", 2000)

	viper.SetDefault("render.digitalZoomMin", 1.0)
	viper.SetDefault("render.digitalZoomMax", 10.0)
	viper.SetDefault("render.alignmentTolerancePx", 0.5)

	viper.SetDefault("target.lat", 21.4225)
	viper.SetDefault("target.lng", 39.8262)

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
	viper.SetDefault("otel.metricIntervalMs", 60000)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "qibla-metrics")
	viper.SetDefault("influx.bucket", "qibla_performance")

	viper.SetConfigName("qibla.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetInt64 returns an int64 config value.
func GetInt64(key string) int64 {
	return viper.GetInt64(key)
}

// GetFloat returns a float64 config value.
func GetFloat(key string) float64 {
	return viper.GetFloat64(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDurationMs reads a millisecond count as a time.Duration.
func GetDurationMs(key string) time.Duration {
	return time.Duration(viper.GetInt(key)) * time.Millisecond
}
