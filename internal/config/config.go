package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/terrascape/foliage/internal/foliage"
)

// FileName is the config file looked up in the config directory.
const FileName = "foliage_capture.cfg.json"

// ErrInvalidCategory is returned when a configured category cannot be used.
var ErrInvalidCategory = errors.New("invalid category")

// Settings is the decoded configuration.
type Settings struct {
	LogLevel string `json:"logLevel" mapstructure:"logLevel"`
	LogsDir  string `json:"logsDir" mapstructure:"logsDir"`

	Capture      CaptureConfig      `json:"capture" mapstructure:"capture"`
	Sampling     SamplingConfig     `json:"sampling" mapstructure:"sampling"`
	Readback     ReadbackConfig     `json:"readback" mapstructure:"readback"`
	Pools        PoolConfig         `json:"pools" mapstructure:"pools"`
	Georeference GeoreferenceConfig `json:"georeference" mapstructure:"georeference"`
	Categories   []CategoryConfig   `json:"categories" mapstructure:"categories"`

	Influx  InfluxConfig  `json:"influx" mapstructure:"influx"`
	Journal JournalConfig `json:"journal" mapstructure:"journal"`
	Graylog GraylogConfig `json:"graylog" mapstructure:"graylog"`
	OTel    OTelConfig    `json:"otel" mapstructure:"otel"`
	Monitor MonitorConfig `json:"monitor" mapstructure:"monitor"`
}

// CaptureConfig describes the overhead capture and the per-frame budget.
type CaptureConfig struct {
	Elevation                     float64       `json:"elevation" mapstructure:"elevation"`
	Width                         float64       `json:"width" mapstructure:"width"`
	WidthInDegrees                float64       `json:"widthInDegrees" mapstructure:"widthInDegrees"`
	Resolution                    int           `json:"resolution" mapstructure:"resolution"`
	DepthScale                    float64       `json:"depthScale" mapstructure:"depthScale"`
	UnitsPerMeter                 float64       `json:"unitsPerMeter" mapstructure:"unitsPerMeter"`
	UpdateFoliageAfterNumFrames   int           `json:"updateFoliageAfterNumFrames" mapstructure:"updateFoliageAfterNumFrames"`
	MaxComponentsToUpdatePerFrame int           `json:"maxComponentsToUpdatePerFrame" mapstructure:"maxComponentsToUpdatePerFrame"`
	BuildTimeout                  time.Duration `json:"buildTimeout" mapstructure:"buildTimeout"`
	// RecaptureDistance is how far, as a fraction of Width, the viewer may move
	// from the capture centre before a new capture is taken.
	RecaptureDistance float64 `json:"recaptureDistance" mapstructure:"recaptureDistance"`
}

// GridSize is the number of sampling cells per axis.
type GridSize struct {
	X int `json:"x" mapstructure:"x"`
	Y int `json:"y" mapstructure:"y"`
	Z int `json:"z" mapstructure:"z"`
}

type SamplingConfig struct {
	GridSize       GridSize `json:"gridSize" mapstructure:"gridSize"`
	Seed           uint64   `json:"seed" mapstructure:"seed"`
	ReferenceArea  float64  `json:"referenceArea" mapstructure:"referenceArea"`
	ColorTolerance float64  `json:"colorTolerance" mapstructure:"colorTolerance"`
	TraceDistance  float64  `json:"traceDistance" mapstructure:"traceDistance"`
}

type ReadbackConfig struct {
	Workers   int           `json:"workers" mapstructure:"workers"`
	QueueSize int           `json:"queueSize" mapstructure:"queueSize"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

type PoolConfig struct {
	DefaultSize int `json:"defaultSize" mapstructure:"defaultSize"`
}

// GeoreferenceConfig places the world origin on the globe. Origin is "lon,lat[,elev]".
type GeoreferenceConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Origin  string `json:"origin" mapstructure:"origin"`
}

type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
	// BackupDir receives gzipped line protocol while the server is unreachable.
	BackupDir string `json:"backupDir" mapstructure:"backupDir"`
}

// JournalConfig selects the build journal database. Driver is "sqlite" or "postgres".
type JournalConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Driver   string `json:"driver" mapstructure:"driver"`
	Path     string `json:"path" mapstructure:"path"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// MonitorConfig controls the periodic status file.
type MonitorConfig struct {
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
}

// setDefaults registers every default value.
func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("capture.elevation", 1024.0)
	viper.SetDefault("capture.width", 131072.0)
	viper.SetDefault("capture.widthInDegrees", 0.01)
	viper.SetDefault("capture.resolution", 512)
	viper.SetDefault("capture.depthScale", 1e-6)
	viper.SetDefault("capture.unitsPerMeter", 100.0)
	viper.SetDefault("capture.updateFoliageAfterNumFrames", 120)
	viper.SetDefault("capture.maxComponentsToUpdatePerFrame", 4)
	viper.SetDefault("capture.buildTimeout", "30s")
	viper.SetDefault("capture.recaptureDistance", 0.25)

	viper.SetDefault("sampling.gridSize", map[string]any{"x": 64, "y": 64, "z": 0})
	viper.SetDefault("sampling.seed", 1)
	viper.SetDefault("sampling.referenceArea", 0.0)
	viper.SetDefault("sampling.colorTolerance", 0.05)
	viper.SetDefault("sampling.traceDistance", 100000.0)

	viper.SetDefault("readback.workers", 2)
	viper.SetDefault("readback.queueSize", 8)
	viper.SetDefault("readback.timeout", "5s")

	viper.SetDefault("pools.defaultSize", foliage.DefaultPooledComponentsPerType)

	viper.SetDefault("georeference.enabled", false)
	viper.SetDefault("georeference.origin", "0,0,0")

	viper.SetDefault("categories", defaultCategories())

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "foliage-metrics")
	viper.SetDefault("influx.bucket", "foliage_builds")
	viper.SetDefault("influx.backupDir", "./logs")

	viper.SetDefault("journal.enabled", true)
	viper.SetDefault("journal.driver", "sqlite")
	viper.SetDefault("journal.path", "./foliage_journal.db")
	viper.SetDefault("journal.host", "localhost")
	viper.SetDefault("journal.port", "5432")
	viper.SetDefault("journal.username", "postgres")
	viper.SetDefault("journal.password", "postgres")
	viper.SetDefault("journal.database", "foliage")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "foliage-capture")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.statusFile", "")
	viper.SetDefault("monitor.interval", "1s")
}

func defaultCategories() []map[string]any {
	return []map[string]any{
		{
			"name":                    "Grass",
			"color":                   []float64{0, 1, 0, 1},
			"pooledComponentsPerType": 4,
			"geometryTypes": []map[string]any{{
				"mesh":      "/Game/Foliage/Grass_01",
				"density":   0.02,
				"randomYaw": true,
				"scale":     map[string]any{"min": 0.8, "max": 1.2},
			}},
		},
		{
			"name":                      "Trees",
			"color":                     []float64{0, 0.4, 0, 1},
			"alignToSurfaceWithRaycast": true,
			"pooledComponentsPerType":   2,
			"geometryTypes": []map[string]any{{
				"mesh":              "/Game/Foliage/Pine_01",
				"density":           0.002,
				"randomYaw":         true,
				"collidesWithWorld": true,
				"scale":             map[string]any{"min": 0.9, "max": 1.5},
				"zOffset":           map[string]any{"min": -20, "max": 0},
			}},
		},
	}
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// LoadDefaults registers the defaults without reading a file.
func LoadDefaults() {
	setDefaults()
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"log-level":    "logLevel",
	"logs-dir":     "logsDir",
	"seed":         "sampling.seed",
	"update-every": "capture.updateFoliageAfterNumFrames",
	"budget":       "capture.maxComponentsToUpdatePerFrame",
	"status-file":  "monitor.statusFile",
}

// BindFlags makes the flags in fs that have a matching config key override
// the file values.
func BindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Decode unmarshals the loaded configuration.
func Decode() (Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding config: %w", err)
	}
	return s, nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
