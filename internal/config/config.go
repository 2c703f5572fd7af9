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

	"github.com/driftline/spotwatch/internal/models"
)

// Config captures every tunable of the control plane. Zero values are replaced by
// defaultConfig before the YAML file and environment overrides are applied.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Registry  RegistryConfig  `yaml:"registry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Features  FeaturesConfig  `yaml:"features"`
	Pools     []models.Pool   `yaml:"pools"`
	Rules     RulesConfig     `yaml:"rules"`
	Inference InferenceConfig `yaml:"inference"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Commands  CommandsConfig  `yaml:"commands"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Reflection      bool          `yaml:"reflection"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlitePath"`
	PostgresDSN string `yaml:"postgresDSN"`
}

// CacheConfig controls the snapshot cache backend. Without an address the
// in-process provider is used.
type CacheConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
}

// RegistryConfig controls liveness tracking.
type RegistryConfig struct {
	HeartbeatWindow time.Duration `yaml:"heartbeatWindow"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
}

// TelemetryConfig controls the pricing quality gate.
type TelemetryConfig struct {
	BucketWidth          time.Duration `yaml:"bucketWidth"`
	FinalizeGrace        time.Duration `yaml:"finalizeGrace"`
	FinalizeInterval     time.Duration `yaml:"finalizeInterval"`
	InterpolationHorizon time.Duration `yaml:"interpolationHorizon"`
	PriceCeiling         float64       `yaml:"priceCeiling"`
	MaxClockSkew         time.Duration `yaml:"maxClockSkew"`
	RatePerSecond        float64       `yaml:"ratePerSecond"`
	RateBurst            int           `yaml:"rateBurst"`
	MaxSeriesBuckets     int           `yaml:"maxSeriesBuckets"`
}

// FeaturesConfig controls the business-hours indicator.
type FeaturesConfig struct {
	BusinessHourStart int    `yaml:"businessHourStart"`
	BusinessHourEnd   int    `yaml:"businessHourEnd"`
	DefaultLocation   string `yaml:"defaultLocation"`
}

// RulesConfig controls rule-pack loading for the recommender.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// InferenceConfig locates versioned model artifacts.
type InferenceConfig struct {
	ArtifactDir   string `yaml:"artifactDir"`
	ActiveVersion string `yaml:"activeVersion"`
}

// MonitorConfig controls the escalation state machine.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	SoftThreshold   float64       `yaml:"softThreshold"`
	HardThreshold   float64       `yaml:"hardThreshold"`
	Hysteresis      int           `yaml:"hysteresis"`
	Cooldown        time.Duration `yaml:"cooldown"`
	MaxQuiet        time.Duration `yaml:"maxQuiet"`
	EmergencyBudget time.Duration `yaml:"emergencyBudget"`
	Concurrency     int           `yaml:"concurrency"`
}

// CommandsConfig controls the command lifecycle.
type CommandsConfig struct {
	AckDeadline  time.Duration `yaml:"ackDeadline"`
	Deadline     time.Duration `yaml:"deadline"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
	Policy       string        `yaml:"policy"`
}

// TransportConfig controls agent dispatch and the interruption-notice feed.
type TransportConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	CommandPath        string        `yaml:"commandPath"`
	NoticeFeedURL      string        `yaml:"noticeFeedURL"`
	NoticePollInterval time.Duration `yaml:"noticePollInterval"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SPOTWATCH_CONFIG")
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

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store:   StoreConfig{Driver: "memory", SQLitePath: "spotwatch.db"},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			SnapshotTTL:  30 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatWindow: 30 * time.Second,
			SweepInterval:   10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			BucketWidth:          5 * time.Minute,
			FinalizeGrace:        time.Minute,
			FinalizeInterval:     15 * time.Second,
			InterpolationHorizon: 15 * time.Minute,
			PriceCeiling:         100,
			MaxClockSkew:         30 * time.Second,
			RatePerSecond:        5,
			RateBurst:            20,
			MaxSeriesBuckets:     10000,
		},
		Features: FeaturesConfig{
			BusinessHourStart: 9,
			BusinessHourEnd:   18,
			DefaultLocation:   "UTC",
		},
		Rules: RulesConfig{Path: "configs/rules/default.yaml"},
		Monitor: MonitorConfig{
			Interval:        15 * time.Second,
			SoftThreshold:   0.5,
			HardThreshold:   0.8,
			Hysteresis:      3,
			Cooldown:        2 * time.Minute,
			MaxQuiet:        2 * time.Minute,
			EmergencyBudget: time.Minute,
			Concurrency:     8,
		},
		Commands: CommandsConfig{
			AckDeadline:  30 * time.Second,
			Deadline:     5 * time.Minute,
			MaxRetries:   3,
			RetryBackoff: 2 * time.Second,
			Policy:       "reject",
		},
		Transport: TransportConfig{
			Timeout:            5 * time.Second,
			CommandPath:        "/v1/commands",
			NoticePollInterval: 5 * time.Second,
		},
	}
}

// Validate rejects configurations the components cannot honour.
func (c *Config) Validate() error {
	var problems []string
	if c.Telemetry.BucketWidth <= 0 {
		problems = append(problems, "telemetry.bucketWidth must be positive")
	}
	if c.Telemetry.PriceCeiling <= 0 {
		problems = append(problems, "telemetry.priceCeiling must be positive")
	}
	if c.Telemetry.InterpolationHorizon < c.Telemetry.BucketWidth {
		problems = append(problems, "telemetry.interpolationHorizon must cover at least one bucket")
	}
	if c.Telemetry.MaxSeriesBuckets < 1 {
		problems = append(problems, "telemetry.maxSeriesBuckets must be at least 1")
	}
	if c.Monitor.SoftThreshold <= 0 || c.Monitor.SoftThreshold > c.Monitor.HardThreshold || c.Monitor.HardThreshold > 1 {
		problems = append(problems, "monitor thresholds must satisfy 0 < soft <= hard <= 1")
	}
	if c.Monitor.Hysteresis < 1 {
		problems = append(problems, "monitor.hysteresis must be at least 1")
	}
	if c.Commands.AckDeadline <= 0 || c.Commands.Deadline < c.Commands.AckDeadline {
		problems = append(problems, "commands.deadline must be >= commands.ackDeadline > 0")
	}
	if c.Commands.MaxRetries < 0 {
		problems = append(problems, "commands.maxRetries must not be negative")
	}
	switch c.Commands.Policy {
	case "reject", "queue":
	default:
		problems = append(problems, fmt.Sprintf("commands.policy %q is not one of reject|queue", c.Commands.Policy))
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			problems = append(problems, "store.postgresDSN is required when store.driver=postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory|sqlite|postgres", c.Store.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	envString("SPOTWATCH_SERVER_ADDRESS", &cfg.Server.Address)
	envString("SPOTWATCH_METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	envBool("SPOTWATCH_REFLECTION", &cfg.Server.Reflection)
	envString("SPOTWATCH_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("SPOTWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}

	envString("SPOTWATCH_STORE_DRIVER", &cfg.Store.Driver)
	envString("SPOTWATCH_SQLITE_PATH", &cfg.Store.SQLitePath)
	envString("SPOTWATCH_DATABASE_URL", &cfg.Store.PostgresDSN)

	envString("SPOTWATCH_CACHE_ADDR", &cfg.Cache.Addr)
	envString("SPOTWATCH_CACHE_USERNAME", &cfg.Cache.Username)
	envString("SPOTWATCH_CACHE_PASSWORD", &cfg.Cache.Password)
	envInt("SPOTWATCH_CACHE_DB", &cfg.Cache.DB)
	envBool("SPOTWATCH_CACHE_TLS", &cfg.Cache.TLS)
	envDuration("SPOTWATCH_CACHE_SNAPSHOT_TTL", &cfg.Cache.SnapshotTTL)

	envDuration("SPOTWATCH_HEARTBEAT_WINDOW", &cfg.Registry.HeartbeatWindow)

	envDuration("SPOTWATCH_BUCKET_WIDTH", &cfg.Telemetry.BucketWidth)
	envDuration("SPOTWATCH_INTERPOLATION_HORIZON", &cfg.Telemetry.InterpolationHorizon)
	envFloat("SPOTWATCH_PRICE_CEILING", &cfg.Telemetry.PriceCeiling)
	envFloat("SPOTWATCH_REPORT_RATE", &cfg.Telemetry.RatePerSecond)
	envInt("SPOTWATCH_REPORT_BURST", &cfg.Telemetry.RateBurst)
	envInt("SPOTWATCH_MAX_SERIES_BUCKETS", &cfg.Telemetry.MaxSeriesBuckets)

	envString("SPOTWATCH_RULES_PATH", &cfg.Rules.Path)
	envString("SPOTWATCH_ARTIFACT_DIR", &cfg.Inference.ArtifactDir)
	envString("SPOTWATCH_MODEL_VERSION", &cfg.Inference.ActiveVersion)

	envDuration("SPOTWATCH_MONITOR_INTERVAL", &cfg.Monitor.Interval)
	envFloat("SPOTWATCH_SOFT_THRESHOLD", &cfg.Monitor.SoftThreshold)
	envFloat("SPOTWATCH_HARD_THRESHOLD", &cfg.Monitor.HardThreshold)
	envInt("SPOTWATCH_HYSTERESIS", &cfg.Monitor.Hysteresis)
	envDuration("SPOTWATCH_COOLDOWN", &cfg.Monitor.Cooldown)

	envDuration("SPOTWATCH_ACK_DEADLINE", &cfg.Commands.AckDeadline)
	envDuration("SPOTWATCH_COMMAND_DEADLINE", &cfg.Commands.Deadline)
	envInt("SPOTWATCH_MAX_RETRIES", &cfg.Commands.MaxRetries)
	envString("SPOTWATCH_COMMAND_POLICY", &cfg.Commands.Policy)

	envString("SPOTWATCH_NOTICE_FEED_URL", &cfg.Transport.NoticeFeedURL)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
