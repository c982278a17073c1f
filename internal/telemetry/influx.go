package telemetry

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

// PerformanceBucket is the InfluxDB bucket holding performance snapshots.
const PerformanceBucket = "qibla_performance"

// snapshotMeasurement is the measurement name for monitor snapshots.
const snapshotMeasurement = "map_engine"

// InfluxManager ships performance snapshots to InfluxDB. When the server is
// unreachable at connect time, points go to a gzip line-protocol backup file
// instead of being dropped.
type InfluxManager struct {
	Client       influxdb2.Client
	Writers      map[string]influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	BucketNames  []string
	Logger       zerolog.Logger
	BackupPath   string

	mu sync.Mutex
}

// NewInfluxManager creates a manager. Connect must be called before writes.
func NewInfluxManager(log zerolog.Logger, backupPath string) *InfluxManager {
	return &InfluxManager{
		Writers:     make(map[string]influxdb2_api.WriteAPI),
		BucketNames: []string{PerformanceBucket},
		Logger:      log,
		BackupPath:  backupPath,
	}
}

// Connect establishes the InfluxDB connection, creating the organization and
// bucket when missing. A failed ping falls back to the backup writer.
func (m *InfluxManager) Connect() error {
	if !viper.GetBool("influx.enabled") {
		return errors.New("influx.enabled is false")
	}

	m.Client = influxdb2.NewClientWithOptions(
		fmt.Sprintf(
			"%s://%s:%s",
			viper.GetString("influx.protocol"),
			viper.GetString("influx.host"),
			viper.GetString("influx.port"),
		),
		viper.GetString("influx.token"),
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.Client.Ping(context.Background())
	if err != nil || !running {
		m.IsValid = false
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.BackupPath).
				Msg("InfluxDB unreachable, writing to backup file")
			file, err := os.OpenFile(m.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %v", err)
			}
			m.BackupWriter = gzip.NewWriter(file)
		}
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	m.IsValid = true
	if err := m.setupOrganizationAndBuckets(); err != nil {
		return err
	}
	m.createWriters()
	m.Logger.Info().Msg("InfluxDB client initialized")
	return nil
}

func (m *InfluxManager) setupOrganizationAndBuckets() error {
	ctx := context.Background()
	orgName := viper.GetString("influx.org")

	_, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		if _, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName); err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}
	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Error().Err(err).Str("org", orgName).Msg("Error getting organization")
		return err
	}

	// 90 day retention keeps the bucket bounded
	for _, bucket := range m.BucketNames {
		if _, err = m.Client.BucketsAPI().FindBucketByName(ctx, bucket); err != nil {
			m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")
			rule := domain.RetentionRuleTypeExpire
			_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, bucket, domain.RetentionRule{
				Type:         &rule,
				EverySeconds: 60 * 60 * 24 * 90,
			})
			if err != nil {
				m.Logger.Error().Err(err).Str("bucket", bucket).Msg("Error creating bucket")
				return err
			}
		}
	}
	return nil
}

func (m *InfluxManager) createWriters() {
	orgName := viper.GetString("influx.org")
	for _, bucket := range m.BucketNames {
		m.Writers[bucket] = m.Client.WriteAPI(orgName, bucket)

		errorsCh := m.Writers[bucket].Errors()
		go func(bucketName string, errorsCh <-chan error) {
			for writeErr := range errorsCh {
				m.Logger.Error().Err(writeErr).Str("bucket", bucketName).
					Msg("Error sending data to InfluxDB")
			}
		}(bucket, errorsCh)
	}
}

// WritePoint writes a point to InfluxDB, or to the backup file when the
// client is down.
func (m *InfluxManager) WritePoint(bucket string, point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsValid {
		w, ok := m.Writers[bucket]
		if !ok {
			return fmt.Errorf("influxDB bucket %q not registered", bucket)
		}
		w.WritePoint(point)
		return nil
	}
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// WriteSnapshot implements the monitor's snapshot sink: one point per poll
// with the device tier and escalation as tags.
func (m *InfluxManager) WriteSnapshot(snap model.PerformanceSnapshot) {
	point := SnapshotPoint(snap)
	if err := m.WritePoint(PerformanceBucket, point); err != nil {
		m.Logger.Error().Err(err).Msg("Error writing performance snapshot")
	}
}

// SnapshotPoint converts a performance snapshot to an InfluxDB point.
func SnapshotPoint(snap model.PerformanceSnapshot) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement(snapshotMeasurement).
		AddTag("tier", snap.Tier.String()).
		AddTag("escalation", snap.Escalation).
		AddField("memory_ratio", snap.MemoryRatio).
		AddField("cpu_estimate", snap.CPULoadEstimate).
		AddField("calc_latency_ms", snap.AvgCalcLatencyMs).
		AddField("consecutive_failures", snap.ConsecutiveFailures).
		SetTime(snap.Time)
}

// Close flushes writers and the backup file.
func (m *InfluxManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.Writers {
		w.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	if m.BackupWriter != nil {
		if err := m.BackupWriter.Close(); err != nil {
			return err
		}
		m.BackupWriter = nil
	}
	return nil
}
