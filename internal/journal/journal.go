package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/terrascape/foliage/internal/orchestrator"
)

// ErrUnknownDriver is returned for a driver other than sqlite or postgres.
var ErrUnknownDriver = errors.New("unknown journal driver")

// BuildRecord is one finished build. Placed instances are never stored.
type BuildRecord struct {
	ID             uint      `json:"id" gorm:"primarykey"`
	BuildID        string    `json:"buildId" gorm:"uniqueIndex;size:36"`
	Status         string    `json:"status" gorm:"index;size:16"`
	Error          string    `json:"error"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt" gorm:"index"`
	DurationMs     float64   `json:"durationMs"`
	ReadbackMs     float64   `json:"readbackMs"`
	SamplingMs     float64   `json:"samplingMs"`
	DistributionMs float64   `json:"distributionMs"`
	Frames         int       `json:"frames"`
	Cells          int       `json:"cells"`
	Candidates     int       `json:"candidates"`
	Accepted       int       `json:"accepted"`
	Mismatched     int       `json:"mismatched"`
	RaycastMisses  int       `json:"raycastMisses"`
	Transforms     int       `json:"transforms"`
	Updated        int       `json:"updated"`
	Skipped        int       `json:"skipped"`
	Instances      int       `json:"instances"`
	// CountsByMesh maps mesh path to the number of transforms placed.
	CountsByMesh datatypes.JSON `json:"countsByMesh"`
}

func (BuildRecord) TableName() string {
	return "foliage_builds"
}

// Counts decodes CountsByMesh.
func (b BuildRecord) Counts() (map[string]int, error) {
	out := map[string]int{}
	if len(b.CountsByMesh) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b.CountsByMesh, &out); err != nil {
		return nil, fmt.Errorf("decoding counts for %s: %w", b.BuildID, err)
	}
	return out, nil
}

// Config selects the database. An empty sqlite Path keeps the journal in memory.
type Config struct {
	Driver   string
	Path     string
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// Summary counts builds by outcome.
type Summary struct {
	Builds    int64 `json:"builds"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timedOut"`
}

// Journal writes build summaries to SQL.
type Journal struct {
	DB     *gorm.DB
	Logger zerolog.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, log zerolog.Logger) (*Journal, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		db, err = openSqlite(cfg.Path)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&BuildRecord{}); err != nil {
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	log.Info().Str("driver", db.Dialector.Name()).Msg("Build journal ready")
	return &Journal{DB: db, Logger: log}, nil
}

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return db, nil
}

func openSqlite(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	// a second connection to an in-memory database would see an empty one
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}
	return db, nil
}

// NewRecord converts a build report into a row.
func NewRecord(r orchestrator.Report) (BuildRecord, error) {
	counts, err := json.Marshal(r.CountsByMesh)
	if err != nil {
		return BuildRecord{}, fmt.Errorf("encoding counts: %w", err)
	}
	if r.CountsByMesh == nil {
		counts = []byte("{}")
	}
	return BuildRecord{
		BuildID:        r.BuildID,
		Status:         r.Status,
		Error:          r.Error,
		StartedAt:      r.Started.UTC(),
		FinishedAt:     r.Finished.UTC(),
		DurationMs:     ms(r.Duration()),
		ReadbackMs:     ms(r.ReadbackDuration),
		SamplingMs:     ms(r.SamplingDuration),
		DistributionMs: ms(r.DistributionDuration),
		Frames:         r.Frames,
		Cells:          r.Stats.Cells,
		Candidates:     r.Stats.Candidates,
		Accepted:       r.Stats.Accepted,
		Mismatched:     r.Stats.Mismatched,
		RaycastMisses:  r.Stats.RaycastMisses,
		Transforms:     r.Transforms,
		Updated:        r.Updated,
		Skipped:        r.Skipped,
		Instances:      r.Instances,
		CountsByMesh:   datatypes.JSON(counts),
	}, nil
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Report stores the build. It satisfies orchestrator.Reporter.
func (j *Journal) Report(ctx context.Context, r orchestrator.Report) error {
	rec, err := NewRecord(r)
	if err != nil {
		return err
	}
	if err := j.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		j.Logger.Error().Err(err).Str("buildId", r.BuildID).Msg("Error writing build to journal")
		return fmt.Errorf("writing build %s: %w", r.BuildID, err)
	}
	j.Logger.Debug().Str("buildId", r.BuildID).Str("status", r.Status).Msg("Build journaled")
	return nil
}

// Recent returns up to limit builds, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]BuildRecord, error) {
	var out []BuildRecord
	err := j.DB.WithContext(ctx).
		Order("finished_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	return out, nil
}

// Get returns one build by its build ID.
func (j *Journal) Get(ctx context.Context, buildID string) (BuildRecord, error) {
	var rec BuildRecord
	err := j.DB.WithContext(ctx).Where("build_id = ?", buildID).First(&rec).Error
	if err != nil {
		return BuildRecord{}, fmt.Errorf("loading build %s: %w", buildID, err)
	}
	return rec, nil
}

// Summarize counts the journaled builds by status.
func (j *Journal) Summarize(ctx context.Context) (Summary, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := j.DB.WithContext(ctx).
		Model(&BuildRecord{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing builds: %w", err)
	}

	var s Summary
	for _, row := range rows {
		s.Builds += row.N
		switch row.Status {
		case orchestrator.StatusSucceeded:
			s.Succeeded = row.N
		case orchestrator.StatusFailed:
			s.Failed = row.N
		case orchestrator.StatusTimeout:
			s.TimedOut = row.N
		}
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
