package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/terrascape/foliage/internal/orchestrator"
)

// Measurement names.
const (
	BuildMeasurement = "foliage_build"
	MeshMeasurement  = "foliage_mesh"
)

// ErrNotConnected is returned when neither the server nor the backup file is available.
var ErrNotConnected = errors.New("influxDB client not initialized and backup writer not available")

// Config describes the server and the backup file used while it is unreachable.
type Config struct {
	URL        string
	Token      string
	Org        string
	Bucket     string
	BackupPath string
}

// Manager handles InfluxDB connections and writes build telemetry.
type Manager struct {
	Client       influxdb2.Client
	Writer       influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	Logger       zerolog.Logger

	cfg        Config
	backupFile *os.File
	mu         sync.Mutex
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, cfg Config) *Manager {
	return &Manager{
		Logger: log,
		cfg:    cfg,
	}
}

// Connect establishes a connection to InfluxDB, falling back to the gzip
// backup file when the server does not answer.
func (m *Manager) Connect(ctx context.Context) error {
	m.Client = influxdb2.NewClientWithOptions(
		m.cfg.URL,
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.Client.Ping(ctx)

	if err != nil || !running {
		m.IsValid = false
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.cfg.BackupPath).
				Msg("Failed to initialize InfluxDB client, writing to backup file")

			file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %w", err)
			}
			m.backupFile = file
			m.BackupWriter = gzip.NewWriter(file)
		}
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	m.IsValid = true
	if err := m.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	m.createWriter()
	m.Logger.Info().Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context) error {
	orgName := m.cfg.Org

	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		influxOrg, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	// 30 day retention
	if _, err = m.Client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err != nil {
		m.Logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, m.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * 30,
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", m.cfg.Bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

func (m *Manager) createWriter() {
	m.Writer = m.Client.WriteAPI(m.cfg.Org, m.cfg.Bucket)

	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.Logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.Writer.Errors())

	m.Logger.Debug().Str("bucket", m.cfg.Bucket).Msg("InfluxDB writer created")
}

// WritePoint writes a point to InfluxDB or backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsValid && m.Writer != nil {
		m.Writer.WritePoint(point)
		return nil
	}
	if m.BackupWriter == nil {
		return ErrNotConnected
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Report writes one build point and one point per mesh.
func (m *Manager) Report(_ context.Context, r orchestrator.Report) error {
	var errs []error
	for _, p := range Points(r) {
		if err := m.WritePoint(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.Logger.Error().Err(errors.Join(errs...)).Str("buildId", r.BuildID).Msg("Error writing build telemetry")
	}
	return errors.Join(errs...)
}

// Points converts a build report into line protocol points.
func Points(r orchestrator.Report) []*influxdb2_write.Point {
	ts := r.Finished
	if ts.IsZero() {
		ts = time.Now()
	}

	build := influxdb2_write.NewPointWithMeasurement(BuildMeasurement).
		AddTag("status", r.Status).
		AddField("build_id", r.BuildID).
		AddField("duration_ms", ms(r.Duration())).
		AddField("readback_ms", ms(r.ReadbackDuration)).
		AddField("sampling_ms", ms(r.SamplingDuration)).
		AddField("distribution_ms", ms(r.DistributionDuration)).
		AddField("frames", r.Frames).
		AddField("cells", r.Stats.Cells).
		AddField("candidates", r.Stats.Candidates).
		AddField("mismatched", r.Stats.Mismatched).
		AddField("raycast_misses", r.Stats.RaycastMisses).
		AddField("transforms", r.Transforms).
		AddField("updated", r.Updated).
		AddField("skipped", r.Skipped).
		AddField("instances", r.Instances).
		SetTime(ts)
	if r.Error != "" {
		build.AddField("error", r.Error)
	}

	points := []*influxdb2_write.Point{build}

	meshes := make([]string, 0, len(r.CountsByMesh))
	for mesh := range r.CountsByMesh {
		meshes = append(meshes, mesh)
	}
	sort.Strings(meshes)
	for _, mesh := range meshes {
		points = append(points, influxdb2_write.NewPointWithMeasurement(MeshMeasurement).
			AddTag("mesh", mesh).
			AddField("build_id", r.BuildID).
			AddField("count", r.CountsByMesh[mesh]).
			SetTime(ts))
	}
	return points
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Close flushes pending writes and closes the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Writer != nil {
		m.Writer.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}

	var errs []error
	if m.BackupWriter != nil {
		errs = append(errs, m.BackupWriter.Close())
		m.BackupWriter = nil
	}
	if m.backupFile != nil {
		errs = append(errs, m.backupFile.Close())
		m.backupFile = nil
	}
	return errors.Join(errs...)
}
