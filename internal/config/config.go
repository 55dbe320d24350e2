// Package config provides configuration management for clusterd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 3100

	// EnvPrefix prefixes every environment override, e.g. CLUSTERD_WORKER_PORT.
	EnvPrefix = "CLUSTERD_"

	// DefaultRedisGenerationKey holds the shared cache generation counter.
	DefaultRedisGenerationKey = "clusterd:cluster-cache:generation"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerHost string `json:"worker_host" yaml:"worker_host"`
	WorkerPort int    `json:"worker_port" yaml:"worker_port"`

	// Storage settings
	StoreDriver        string `json:"store_driver" yaml:"store_driver"`
	DatabaseDSN        string `json:"database_dsn" yaml:"database_dsn"`
	DatabaseMaxConns   int    `json:"database_max_conns" yaml:"database_max_conns"`
	DatabaseLogLevel   string `json:"database_log_level" yaml:"database_log_level"`
	RedisAddr          string `json:"redis_addr" yaml:"redis_addr"`
	RedisGenerationKey string `json:"redis_generation_key" yaml:"redis_generation_key"`

	// Embedding settings
	EmbeddingProvider   string        `json:"embedding_provider" yaml:"embedding_provider"`
	EmbeddingModel      string        `json:"embedding_model" yaml:"embedding_model"`
	EmbeddingBaseURL    string        `json:"embedding_base_url" yaml:"embedding_base_url"`
	EmbeddingAPIKey     string        `json:"embedding_api_key" yaml:"embedding_api_key"`
	EmbeddingDimensions int           `json:"embedding_dimensions" yaml:"embedding_dimensions"`
	EmbeddingMaxTokens  int           `json:"embedding_max_tokens" yaml:"embedding_max_tokens"`
	EmbeddingTimeout    time.Duration `json:"embedding_timeout" yaml:"embedding_timeout"`

	// Clustering settings
	SimilarityThreshold     float64       `json:"similarity_threshold" yaml:"similarity_threshold"`
	HighConfidenceThreshold float64       `json:"high_confidence_threshold" yaml:"high_confidence_threshold"`
	MinTextLength           int           `json:"min_text_length" yaml:"min_text_length"`
	MaxTextLength           int           `json:"max_text_length" yaml:"max_text_length"`
	MaxQuestionsPerRequest  int           `json:"max_questions_per_request" yaml:"max_questions_per_request"`
	CacheTTL                time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheCapacity           int           `json:"cache_capacity" yaml:"cache_capacity"`
	DefaultTopClusters      int           `json:"default_top_clusters" yaml:"default_top_clusters"`
	TransactionTimeout      time.Duration `json:"transaction_timeout" yaml:"transaction_timeout"`

	// Maintenance settings
	DuplicateThreshold  float64       `json:"duplicate_threshold" yaml:"duplicate_threshold"`
	MaintenanceInterval time.Duration `json:"maintenance_interval" yaml:"maintenance_interval"`
	AutoMergeDuplicates bool          `json:"auto_merge_duplicates" yaml:"auto_merge_duplicates"`

	// HTTP surface settings
	AuthToken      string  `json:"auth_token" yaml:"auth_token"`
	RateLimitRPS   float64 `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	// RedactSecrets masks credentials in submitted questions before they
	// are embedded or stored.
	RedactSecrets bool `json:"redact_secrets" yaml:"redact_secrets"`
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`

	// Telemetry settings. Without an OTLP endpoint spans and metrics are
	// written to stdout.
	TelemetryEnabled bool          `json:"telemetry_enabled" yaml:"telemetry_enabled"`
	OTLPEndpoint     string        `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure     bool          `json:"otlp_insecure" yaml:"otlp_insecure"`
	TraceSampleRatio float64       `json:"trace_sample_ratio" yaml:"trace_sample_ratio"`
	MetricsInterval  time.Duration `json:"metrics_interval" yaml:"metrics_interval"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.clusterd).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clusterd")
}

// SettingsPath returns the settings file path. CLUSTERD_CONFIG overrides it.
func SettingsPath() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "settings.json")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerHost:              "0.0.0.0",
		WorkerPort:              DefaultWorkerPort,
		StoreDriver:             StoreDriverPostgres,
		DatabaseMaxConns:        10,
		DatabaseLogLevel:        "silent",
		RedisGenerationKey:      DefaultRedisGenerationKey,
		EmbeddingProvider:       "openai",
		EmbeddingModel:          "text-embedding-3-small",
		EmbeddingBaseURL:        "https://api.openai.com/v1",
		EmbeddingDimensions:     384,
		EmbeddingMaxTokens:      512,
		EmbeddingTimeout:        30 * time.Second,
		SimilarityThreshold:     0.80,
		HighConfidenceThreshold: 0.90,
		MinTextLength:           3,
		MaxTextLength:           512,
		MaxQuestionsPerRequest:  100,
		CacheTTL:                5 * time.Minute,
		CacheCapacity:           1000,
		DefaultTopClusters:      10,
		TransactionTimeout:      30 * time.Second,
		DuplicateThreshold:      0.92,
		MaintenanceInterval:     time.Hour,
		RateLimitRPS:            10,
		RateLimitBurst:          20,
		CORSOrigins:             []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:3000", "http://127.0.0.1:5173"},
		TraceSampleRatio:        0.1,
		MetricsInterval:         time.Minute,
		LogLevel:                "info",
	}
}

// setter parses one raw value into cfg.
type setter func(cfg *Config, raw string) error

func str(field func(*Config) *string) setter {
	return func(cfg *Config, raw string) error {
		*field(cfg) = raw
		return nil
	}
}

func integer(field func(*Config) *int) setter {
	return func(cfg *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

func float(field func(*Config) *float64) setter {
	return func(cfg *Config, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) setter {
	return func(cfg *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

// list accepts a comma-separated string. An empty value clears the list.
func list(field func(*Config) *[]string) setter {
	return func(cfg *Config, raw string) error {
		var out []string
		for item := range strings.SplitSeq(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*field(cfg) = out
		return nil
	}
}

// duration accepts Go duration strings ("5m") or a bare number of seconds.
func duration(field func(*Config) *time.Duration) setter {
	return func(cfg *Config, raw string) error {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			*field(cfg) = time.Duration(secs * float64(time.Second))
			return nil
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}
}

// settings maps each settings key to its field. Keys are the file keys;
// environment variables use the upper-cased key behind EnvPrefix.
var settings = map[string]setter{
	"worker_host":               str(func(c *Config) *string { return &c.WorkerHost }),
	"worker_port":               integer(func(c *Config) *int { return &c.WorkerPort }),
	"store_driver":              str(func(c *Config) *string { return &c.StoreDriver }),
	"database_dsn":              str(func(c *Config) *string { return &c.DatabaseDSN }),
	"database_max_conns":        integer(func(c *Config) *int { return &c.DatabaseMaxConns }),
	"database_log_level":        str(func(c *Config) *string { return &c.DatabaseLogLevel }),
	"redis_addr":                str(func(c *Config) *string { return &c.RedisAddr }),
	"redis_generation_key":      str(func(c *Config) *string { return &c.RedisGenerationKey }),
	"embedding_provider":        str(func(c *Config) *string { return &c.EmbeddingProvider }),
	"embedding_model":           str(func(c *Config) *string { return &c.EmbeddingModel }),
	"embedding_base_url":        str(func(c *Config) *string { return &c.EmbeddingBaseURL }),
	"embedding_api_key":         str(func(c *Config) *string { return &c.EmbeddingAPIKey }),
	"embedding_dimensions":      integer(func(c *Config) *int { return &c.EmbeddingDimensions }),
	"embedding_max_tokens":      integer(func(c *Config) *int { return &c.EmbeddingMaxTokens }),
	"embedding_timeout":         duration(func(c *Config) *time.Duration { return &c.EmbeddingTimeout }),
	"similarity_threshold":      float(func(c *Config) *float64 { return &c.SimilarityThreshold }),
	"high_confidence_threshold": float(func(c *Config) *float64 { return &c.HighConfidenceThreshold }),
	"min_text_length":           integer(func(c *Config) *int { return &c.MinTextLength }),
	"max_text_length":           integer(func(c *Config) *int { return &c.MaxTextLength }),
	"max_questions_per_request": integer(func(c *Config) *int { return &c.MaxQuestionsPerRequest }),
	"cache_ttl":                 duration(func(c *Config) *time.Duration { return &c.CacheTTL }),
	"cache_capacity":            integer(func(c *Config) *int { return &c.CacheCapacity }),
	"default_top_clusters":      integer(func(c *Config) *int { return &c.DefaultTopClusters }),
	"transaction_timeout":       duration(func(c *Config) *time.Duration { return &c.TransactionTimeout }),
	"duplicate_threshold":       float(func(c *Config) *float64 { return &c.DuplicateThreshold }),
	"maintenance_interval":      duration(func(c *Config) *time.Duration { return &c.MaintenanceInterval }),
	"auto_merge_duplicates":     boolean(func(c *Config) *bool { return &c.AutoMergeDuplicates }),
	"auth_token":                str(func(c *Config) *string { return &c.AuthToken }),
	"rate_limit_rps":            float(func(c *Config) *float64 { return &c.RateLimitRPS }),
	"rate_limit_burst":          integer(func(c *Config) *int { return &c.RateLimitBurst }),
	"redact_secrets":            boolean(func(c *Config) *bool { return &c.RedactSecrets }),
	"cors_origins":              list(func(c *Config) *[]string { return &c.CORSOrigins }),
	"telemetry_enabled":         boolean(func(c *Config) *bool { return &c.TelemetryEnabled }),
	"otlp_endpoint":             str(func(c *Config) *string { return &c.OTLPEndpoint }),
	"otlp_insecure":             boolean(func(c *Config) *bool { return &c.OTLPInsecure }),
	"trace_sample_ratio":        float(func(c *Config) *float64 { return &c.TraceSampleRatio }),
	"metrics_interval":          duration(func(c *Config) *time.Duration { return &c.MetricsInterval }),
	"log_level":                 str(func(c *Config) *string { return &c.LogLevel }),
}

// Load reads the settings file at path over the defaults and then applies
// environment overrides. A missing file is not an error. Files ending in
// .yaml or .yml are read as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	values, err := readSettings(path)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, key := range sortedKeys(values) {
		set, ok := settings[key]
		if !ok {
			continue
		}
		if err := set(cfg, values[key]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	for _, key := range sortedKeys(settings) {
		raw, ok := lookupEnv(EnvPrefix + strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := settings[key](cfg, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(key), err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("load config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// readSettings decodes the settings file into raw string values.
func readSettings(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = stringify(v)
	}
	return out, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		items := make([]string, len(x))
		for i, item := range x {
			items[i] = stringify(item)
		}
		return strings.Join(items, ",")
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks every range and reports all violations at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.WorkerPort >= 1 && c.WorkerPort <= 65535, "worker_port %d out of 1..65535", c.WorkerPort)
	check(c.StoreDriver == StoreDriverPostgres || c.StoreDriver == StoreDriverMemory,
		"store_driver %q must be %q or %q", c.StoreDriver, StoreDriverPostgres, StoreDriverMemory)
	check(c.StoreDriver != StoreDriverPostgres || c.DatabaseDSN != "", "database_dsn is required for store_driver postgres")
	check(c.DatabaseMaxConns >= 1, "database_max_conns must be at least 1")
	switch c.DatabaseLogLevel {
	case "silent", "error", "warn", "info":
	default:
		check(false, "database_log_level %q must be silent, error, warn or info", c.DatabaseLogLevel)
	}
	check(c.EmbeddingProvider != "", "embedding_provider is required")
	check(c.EmbeddingModel != "", "embedding_model is required")
	check(c.EmbeddingDimensions >= 1 && c.EmbeddingDimensions <= 4096,
		"embedding_dimensions %d out of 1..4096", c.EmbeddingDimensions)
	check(c.EmbeddingMaxTokens >= 1, "embedding_max_tokens must be at least 1")
	check(c.EmbeddingTimeout > 0, "embedding_timeout must be positive")
	check(c.SimilarityThreshold > 0 && c.SimilarityThreshold <= 1,
		"similarity_threshold %v out of (0,1]", c.SimilarityThreshold)
	check(c.HighConfidenceThreshold >= c.SimilarityThreshold && c.HighConfidenceThreshold <= 1,
		"high_confidence_threshold %v must be in [similarity_threshold,1]", c.HighConfidenceThreshold)
	check(c.MinTextLength >= 1 && c.MinTextLength <= c.MaxTextLength,
		"text length bounds %d..%d invalid", c.MinTextLength, c.MaxTextLength)
	check(c.MaxQuestionsPerRequest >= 1, "max_questions_per_request must be at least 1")
	check(c.CacheTTL > 0, "cache_ttl must be positive")
	check(c.CacheCapacity > 0, "cache_capacity must be positive")
	check(c.DefaultTopClusters >= 1 && c.DefaultTopClusters <= 100,
		"default_top_clusters %d out of 1..100", c.DefaultTopClusters)
	check(c.TransactionTimeout > 0, "transaction_timeout must be positive")
	check(c.DuplicateThreshold > 0 && c.DuplicateThreshold <= 1,
		"duplicate_threshold %v out of (0,1]", c.DuplicateThreshold)
	check(c.MaintenanceInterval >= time.Minute, "maintenance_interval must be at least 1m")
	check(c.RateLimitRPS >= 0, "rate_limit_rps must not be negative")
	check(c.RateLimitBurst >= 0, "rate_limit_burst must not be negative")
	check(c.TraceSampleRatio >= 0 && c.TraceSampleRatio <= 1,
		"trace_sample_ratio %v out of [0,1]", c.TraceSampleRatio)
	check(!c.TelemetryEnabled || c.MetricsInterval >= time.Second, "metrics_interval must be at least 1s")
	for _, o := range c.CORSOrigins {
		check(strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://"),
			"cors_origins entry %q must start with http:// or https://", o)
	}

	return errors.Join(errs...)
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load(SettingsPath())
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Set replaces the global configuration, e.g. after the settings file changed.
func Set(cfg *Config) {
	configOnce.Do(func() {})
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
}
