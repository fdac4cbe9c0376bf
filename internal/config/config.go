package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

// Config captures every setting the correlation engine needs to boot.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Mission     MissionConfig     `yaml:"mission"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Filters     FiltersConfig     `yaml:"filters"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Geometry    GeometryConfig    `yaml:"geometry"`
	History     HistoryConfig     `yaml:"history"`
	Products    ProductsConfig    `yaml:"products"`
	Cache       CacheConfig       `yaml:"cache"`
	Advisories  AdvisoriesConfig  `yaml:"advisories"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// MissionConfig describes the spacecraft clock and ground network.
type MissionConfig struct {
	Name                 string         `yaml:"name"`
	ClockKernelName      string         `yaml:"clockKernelName"`
	SclkFineTickModulus  int64          `yaml:"sclkFineTickModulus"`
	SpacecraftTimeDelay  float64        `yaml:"spacecraftTimeDelaySec"`
	FrameErtBitOffsetErr float64        `yaml:"frameErtBitOffsetError"`
	Stations             map[int]string `yaml:"stations"`
	AllowTestModeCommits bool           `yaml:"allowTestModeCommits"`
}

// TelemetryConfig selects and bounds the telemetry source.
type TelemetryConfig struct {
	Source                   string        `yaml:"source"`
	ArchivePath              string        `yaml:"archivePath"`
	ImportPath               string        `yaml:"importPath"`
	RemoteURL                string        `yaml:"remoteURL"`
	RemoteTimeout            time.Duration `yaml:"remoteTimeout"`
	RemoteCacheTTL           time.Duration `yaml:"remoteCacheTTL"`
	MaxQueryWindow           time.Duration `yaml:"maxQueryWindow"`
	ExactErtQueryPad         time.Duration `yaml:"exactErtQueryPad"`
	SupplementalSampleOffset int           `yaml:"supplementalSampleOffset"`
}

// FiltersConfig enables and parameterises the per-set sample filters.
type FiltersConfig struct {
	Enabled                   []string `yaml:"enabled"`
	Windowing                 string   `yaml:"windowing"`
	MinDataRateBps            float64  `yaml:"minDataRateBps"`
	MaxDataRateBps            float64  `yaml:"maxDataRateBps"`
	ErtMaxDeltaVarianceSec    float64  `yaml:"ertMaxDeltaVarianceSec"`
	SclkMaxDeltaVarianceSec   float64  `yaml:"sclkMaxDeltaVarianceSec"`
	GroundStationPathIDs      []int    `yaml:"groundStationPathIds"`
	VCIDGroups                [][]int  `yaml:"vcidGroups"`
	VCFCMaxValue              int      `yaml:"vcfcMaxValue"`
	ContactDriftLowerMsPerDay float64  `yaml:"contactDriftLowerMsPerDay"`
	ContactDriftUpperMsPerDay float64  `yaml:"contactDriftUpperMsPerDay"`
}

// CorrelationConfig holds the defaults served by GetDefaultConfig.
type CorrelationConfig struct {
	SamplesPerSet               int                `yaml:"samplesPerSet"`
	NewCorrelationMinTDT        float64            `yaml:"newCorrelationMinTdt"`
	MinLookbackHours            float64            `yaml:"predictedClkRateMinLookbackHours"`
	MaxLookbackHours            float64            `yaml:"predictedClkRateMaxLookbackHours"`
	TargetSampleLookback        time.Duration      `yaml:"targetSampleLookback"`
	TestModeOWLTEnabled         bool               `yaml:"testModeOwltEnabled"`
	TestModeOWLTSec             float64            `yaml:"testModeOwltSec"`
	RateMode                    string             `yaml:"clockChangeRateMode"`
	AssignedRate                float64            `yaml:"clockChangeRateAssignedValue"`
	AssignedRatePresets         map[string]float64 `yaml:"assignedValuePresets"`
	FitMethod                   string             `yaml:"fitMethod"`
	SmoothingEnabled            bool               `yaml:"additionalSmoothingRecordEnabled"`
	SmoothingCoarseTickDuration int64              `yaml:"coarseSclkTickDuration"`
	DisableContactFilter        bool               `yaml:"disableContactFilter"`
	CreateUplinkCmdFile         bool               `yaml:"createUplinkCmdFile"`
	AnchorPolicy                string             `yaml:"anchorPolicy"`
	AnchorTieBreak              string             `yaml:"anchorTieBreak"`
	RateDeviationWarnPpm        float64            `yaml:"rateDeviationWarnPpm"`
}

// GeometryConfig selects the one-way light time provider.
type GeometryConfig struct {
	Provider      string             `yaml:"provider"`
	StaticOWLTSec map[string]float64 `yaml:"staticOwltSec"`
	TablePath     string             `yaml:"tablePath"`
}

// HistoryConfig locates the correlation history database.
type HistoryConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`
}

// ProductsConfig lists output generators in dispatch order.
type ProductsConfig struct {
	OutputDir  string               `yaml:"outputDir"`
	Order      []string             `yaml:"order"`
	Generators map[string]yaml.Node `yaml:"generators"`
}

// CacheConfig controls where preview handles are kept.
type CacheConfig struct {
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	PreviewTTL   time.Duration `yaml:"previewTTL"`
}

// AdvisoriesConfig points at the advisory rule pack.
type AdvisoriesConfig struct {
	Path string `yaml:"path"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TC_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	corr := c.Correlation
	switch {
	case corr.SamplesPerSet < 1:
		return fmt.Errorf("%w: correlation.samplesPerSet must be positive", models.ErrInvalidConfig)
	case corr.MinLookbackHours < 0 || corr.MaxLookbackHours < corr.MinLookbackHours:
		return fmt.Errorf("%w: lookback bounds [%g, %g] hours are inverted", models.ErrInvalidConfig,
			corr.MinLookbackHours, corr.MaxLookbackHours)
	case c.Mission.SclkFineTickModulus <= 0:
		return fmt.Errorf("%w: mission.sclkFineTickModulus must be positive", models.ErrInvalidConfig)
	case c.History.Path == "":
		return fmt.Errorf("%w: history.path is required", models.ErrInvalidConfig)
	}
	return nil
}

// DefaultCorrelation converts the configured defaults into a request config.
func (c *Config) DefaultCorrelation(now time.Time) models.CorrelationConfig {
	corr := c.Correlation
	lookback := corr.TargetSampleLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return models.CorrelationConfig{
		SamplesPerSet:        corr.SamplesPerSet,
		NewCorrelationMinTDT: corr.NewCorrelationMinTDT,
		MinLookbackHours:     corr.MinLookbackHours,
		MaxLookbackHours:     corr.MaxLookbackHours,
		TargetSampleRange: models.TimeRange{
			Start: now.Add(-lookback).UTC(),
			End:   now.UTC(),
		},
		TestMode: models.TestModeConfig{
			OWLTEnabled: corr.TestModeOWLTEnabled,
			OWLTSec:     corr.TestModeOWLTSec,
		},
		ClockChangeRate: models.ClockChangeRateConfig{
			Mode:          models.RateMode(corr.RateMode),
			AssignedValue: corr.AssignedRate,
			Fit:           models.FitMethod(corr.FitMethod),
		},
		Smoothing: models.SmoothingConfig{
			Enabled:                corr.SmoothingEnabled,
			CoarseSclkTickDuration: corr.SmoothingCoarseTickDuration,
		},
		DisableContactFilter: corr.DisableContactFilter,
		CreateUplinkCmdFile:  corr.CreateUplinkCmdFile,
	}
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Tracing: TracingConfig{SamplingRate: 0.1, Environment: "production"},
		Mission: MissionConfig{
			Name:                "default",
			ClockKernelName:     "sclk",
			SclkFineTickModulus: 65536,
			Stations:            map[int]string{},
		},
		Telemetry: TelemetryConfig{
			Source:                   "archive",
			ArchivePath:              "data/telemetry",
			RemoteTimeout:            5 * time.Second,
			RemoteCacheTTL:           time.Minute,
			MaxQueryWindow:           7 * 24 * time.Hour,
			ExactErtQueryPad:         10 * time.Minute,
			SupplementalSampleOffset: 1,
		},
		Filters: FiltersConfig{
			Enabled:                   []string{"validFlag", "ert", "sclk"},
			Windowing:                 "separate",
			ErtMaxDeltaVarianceSec:    1.0,
			SclkMaxDeltaVarianceSec:   1.0,
			VCFCMaxValue:              16777215,
			ContactDriftLowerMsPerDay: -100,
			ContactDriftUpperMsPerDay: 100,
		},
		Correlation: CorrelationConfig{
			SamplesPerSet:               5,
			MinLookbackHours:            24,
			MaxLookbackHours:            30 * 24,
			TargetSampleLookback:        24 * time.Hour,
			RateMode:                    string(models.RateModeComputePredict),
			AssignedRate:                1.0,
			AssignedRatePresets:         map[string]float64{},
			FitMethod:                   string(models.FitEndpoints),
			SmoothingCoarseTickDuration: 1,
			CreateUplinkCmdFile:         false,
			AnchorPolicy:                "window-end",
			AnchorTieBreak:              "last-ingested",
			RateDeviationWarnPpm:        5,
		},
		Geometry: GeometryConfig{
			Provider:      "static",
			StaticOWLTSec: map[string]float64{},
		},
		History: HistoryConfig{
			Path:        "data/history.db",
			BusyTimeout: 5 * time.Second,
		},
		Products: ProductsConfig{
			OutputDir: "data/products",
			Order:     []string{"time-history", "sclk-scet", "sclk-kernel", "uplink-command"},
		},
		Cache: CacheConfig{
			Backend:      "memory",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			PreviewTTL:   30 * time.Minute,
		},
		Advisories: AdvisoriesConfig{Path: "configs/advisories.yaml"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TC_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("TC_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("TC_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TC_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("TC_ENGINE_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("TC_ENGINE_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("TC_ENGINE_TELEMETRY_SOURCE"); v != "" {
		cfg.Telemetry.Source = v
	}
	if v := os.Getenv("TC_ENGINE_TELEMETRY_ARCHIVE"); v != "" {
		cfg.Telemetry.ArchivePath = v
	}
	if v := os.Getenv("TC_ENGINE_TELEMETRY_IMPORT"); v != "" {
		cfg.Telemetry.ImportPath = v
	}
	if v := os.Getenv("TC_ENGINE_TELEMETRY_URL"); v != "" {
		cfg.Telemetry.RemoteURL = v
	}
	if v := os.Getenv("TC_ENGINE_PRODUCTS_DIR"); v != "" {
		cfg.Products.OutputDir = v
	}
	if v := os.Getenv("TC_ENGINE_ADVISORIES_PATH"); v != "" {
		cfg.Advisories.Path = v
	}
	if v := os.Getenv("TC_ENGINE_SAMPLES_PER_SET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.SamplesPerSet = n
		}
	}
	if v := os.Getenv("TC_ENGINE_RATE_MODE"); v != "" {
		cfg.Correlation.RateMode = v
	}
	if v := os.Getenv("TC_ENGINE_DISABLE_CONTACT_FILTER"); v != "" {
		cfg.Correlation.DisableContactFilter = parseBool(v)
	}
	if v := os.Getenv("TC_ENGINE_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("TC_ENGINE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("TC_ENGINE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("TC_ENGINE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("TC_ENGINE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("TC_ENGINE_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("TC_ENGINE_PREVIEW_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.PreviewTTL = d
		}
	}
	if v := os.Getenv("TC_ENGINE_MAX_QUERY_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Telemetry.MaxQueryWindow = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
