package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openlakehouse/mart-dispatcher/internal/platform"
)

type Config struct {
	Source  SourceConfig
	State   StateConfig
	Engine  EngineConfig
	Log     LogConfig
	Metrics MetricsConfig

	PairsFile string
}

type SourceConfig struct {
	Backend    string // "local" | "gcs" | "s3"
	LocalDir   string
	GCSBucket  string
	S3Bucket   string
	S3Endpoint string
	S3Region   string
	Prefix     string
}

type StateConfig struct {
	Backend     string // "file" | "postgres"
	Dir         string
	PostgresDSN string
}

type EngineConfig struct {
	MaxBatchSize   int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
	TickInterval   time.Duration
}

type LogConfig struct {
	Format string
	Level  string
}

type MetricsConfig struct {
	Enabled bool
	Address string
}

// MustLoad loads engine configuration from environment variables. The pair
// list lives in a separate YAML file (see LoadPairs) because pairs carry
// nested target configuration that does not map cleanly onto env vars.
func MustLoad() Config {
	log.Println("[config] loading")

	return Config{
		Source: SourceConfig{
			Backend:    getenvDefault("SOURCE_BACKEND", "local"),
			LocalDir:   getenvDefault("SOURCE_LOCAL_DIR", "./data"),
			GCSBucket:  os.Getenv("SOURCE_GCS_BUCKET"),
			S3Bucket:   os.Getenv("SOURCE_S3_BUCKET"),
			S3Endpoint: os.Getenv("SOURCE_S3_ENDPOINT"),
			S3Region:   getenvDefault("SOURCE_S3_REGION", "us-east-1"),
			Prefix:     os.Getenv("SOURCE_PREFIX"),
		},
		State: StateConfig{
			Backend:     getenvDefault("STATE_BACKEND", "file"),
			Dir:         getenvDefault("STATE_DIR", "./state"),
			PostgresDSN: os.Getenv("STATE_POSTGRES_DSN"),
		},
		Engine: EngineConfig{
			MaxBatchSize:   parseIntDefault("MAX_BATCH_SIZE", 7),
			MaxAttempts:    parseIntDefault("MAX_ATTEMPTS", 3),
			RetryBaseDelay: parseMillisDefault("RETRY_BASE_MS", 2000),
			RetryMaxDelay:  parseMillisDefault("RETRY_MAX_MS", 300000),
			PollInterval:   parseMillisDefault("POLL_INTERVAL_MS", 10000),
			TickInterval:   parseMillisDefault("TICK_INTERVAL_MS", 60000),
		},
		Log: LogConfig{
			Format: getenvDefault("LOG_FORMAT", "text"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled: os.Getenv("METRICS_ENABLED") != "false",
			Address: getenvDefault("METRICS_ADDRESS", ":9090"),
		},
		PairsFile: getenvDefault("PAIRS_FILE", "./pairs.yaml"),
	}
}

// Pair binds one source table to one warehouse platform. Every pair is an
// independent scheduling unit with its own watermark.
type Pair struct {
	Table    string                   `yaml:"table"`
	Platform string                   `yaml:"platform"`
	Adapter  AdapterConfig            `yaml:"adapter"`
	Target   platform.TransformTarget `yaml:"target"`
}

type AdapterConfig struct {
	Kind      string `yaml:"kind"` // "rest" | "postgres" | "mssql"
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`
	DSN       string `yaml:"dsn"`
}

// PlatformConfig converts the pair's adapter section into a platform.Config.
func (p Pair) PlatformConfig() platform.Config {
	return platform.Config{
		Kind:      p.Adapter.Kind,
		Platform:  p.Platform,
		Endpoint:  p.Adapter.Endpoint,
		AuthToken: expandEnv(p.Adapter.AuthToken),
		DSN:       expandEnv(p.Adapter.DSN),
	}
}

type pairsFile struct {
	Pairs []Pair `yaml:"pairs"`
}

// LoadPairs reads and validates the pair list from a YAML file.
func LoadPairs(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}

	var pf pairsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pairs file: %w", err)
	}
	if len(pf.Pairs) == 0 {
		return nil, errors.New("at least one pair must be configured")
	}

	seen := make(map[string]bool)
	for i, p := range pf.Pairs {
		if p.Table == "" || p.Platform == "" {
			return nil, fmt.Errorf("pair %d: table and platform are required", i)
		}
		if p.Adapter.Kind == "" {
			return nil, fmt.Errorf("pair %s/%s: adapter kind is required", p.Table, p.Platform)
		}
		key := p.Table + "/" + p.Platform
		if seen[key] {
			return nil, fmt.Errorf("duplicate pair %s", key)
		}
		seen[key] = true
	}

	return pf.Pairs, nil
}

// expandEnv resolves ${VAR} references so credentials stay out of the pairs
// file itself.
func expandEnv(v string) string {
	return os.ExpandEnv(v)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseMillisDefault(key string, defMillis int) time.Duration {
	millis := parseIntDefault(key, defMillis)
	return time.Duration(millis) * time.Millisecond
}
