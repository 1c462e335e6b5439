package cfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Bus transport types
const (
	BusKafka = "kafka"
	BusNATS  = "nats"
)

// TableConfiguration describes one tracked logical table
type TableConfiguration struct {
	Name            string `toml:"name"`              // Logical name carried on events (e.g. "Content")
	SourceTable     string `toml:"source_table"`      // Physical table in the primary store, for counts
	PrimaryKey      string `toml:"primary_key"`       // Primary key column in the primary store
	UpdatedAtColumn string `toml:"updated_at_column"` // Column used for windowed counts
}

// SourceConfiguration controls the change source reader
type SourceConfiguration struct {
	DSN            string `toml:"dsn"`
	ChangeTable    string `toml:"change_table"`   // Trigger-populated change log
	NotifyChannel  string `toml:"notify_channel"` // LISTEN channel, empty disables wake-ups
	PollIntervalMS int    `toml:"poll_interval_ms"`
	BatchSize      int    `toml:"batch_size"`
	QueueCapacity  int    `toml:"queue_capacity"` // Per-table bounded queue
	QueryTimeoutMS int    `toml:"query_timeout_ms"`
	MaxOpenConns   int    `toml:"max_open_conns"`
}

// BusConfiguration for the message bus sink
type BusConfiguration struct {
	Enabled           bool     `toml:"enabled"`
	Type              string   `toml:"type"`   // "kafka" or "nats"
	Format            string   `toml:"format"` // Message format, "debezium"
	Brokers           []string `toml:"brokers"`
	NatsURL           string   `toml:"nats_url"`
	TopicPrefix       string   `toml:"topic_prefix"`
	RequiredAcks      int      `toml:"required_acks"`
	StreamMaxAgeHours int      `toml:"stream_max_age_hours"`
	FilterTables      []string `toml:"filter_tables"`
}

// ColumnarConfiguration for the analytical columnar sink
type ColumnarConfiguration struct {
	Enabled      bool     `toml:"enabled"`
	DSN          string   `toml:"dsn"`
	TablePrefix  string   `toml:"table_prefix"`
	FilterTables []string `toml:"filter_tables"`
}

// SearchConfiguration for the search index sink
type SearchConfiguration struct {
	Enabled      bool     `toml:"enabled"`
	Addresses    []string `toml:"addresses"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	Insecure     bool     `toml:"insecure"`
	IndexPrefix  string   `toml:"index_prefix"`
	Refresh      string   `toml:"refresh"` // "", "true", "false" or "wait_for"
	FilterTables []string `toml:"filter_tables"`
}

// RetryConfiguration controls per-sink delivery retries
type RetryConfiguration struct {
	MaxAttempts      int     `toml:"max_attempts"`
	BaseDelayMS      int     `toml:"base_delay_ms"`
	MaxDelayMS       int     `toml:"max_delay_ms"`
	Multiplier       float64 `toml:"multiplier"`
	Jitter           float64 `toml:"jitter"` // Fraction of the delay, 0..1
	AttemptTimeoutMS int     `toml:"attempt_timeout_ms"`
}

// HealthConfiguration holds health thresholds and the watchdog interval
type HealthConfiguration struct {
	LagWarningSeconds       float64 `toml:"lag_warning_seconds"`
	LagCriticalSeconds      float64 `toml:"lag_critical_seconds"`
	ErrorRateWarning        float64 `toml:"error_rate_warning"`
	ErrorRateCritical       float64 `toml:"error_rate_critical"`
	ErrorWindowSeconds      int     `toml:"error_window_seconds"`
	WatchdogIntervalSeconds int     `toml:"watchdog_interval_seconds"`
	ProbeTimeoutMS          int     `toml:"probe_timeout_ms"`
	ProbeIntervalSeconds    int     `toml:"probe_interval_seconds"` // Background sink_up refresh
	LowThroughputEventsPerS float64 `toml:"low_throughput_events_per_second"`
	LowThroughputWindowMins int     `toml:"low_throughput_window_minutes"`
}

// ArchiveConfiguration uploads consistency reports to S3-compatible storage
type ArchiveConfiguration struct {
	Enabled  bool   `toml:"enabled"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// ConsistencyConfiguration controls the consistency validator
type ConsistencyConfiguration struct {
	Enabled              bool                 `toml:"enabled"`
	Schedule             string               `toml:"schedule"`     // cron spec or descriptor, e.g. "@every 1h"
	WindowHours          int                  `toml:"window_hours"` // 0 = count the full table
	QueryTimeoutMS       int                  `toml:"query_timeout_ms"`
	DiscrepancyThreshold int64                `toml:"discrepancy_threshold"`
	Archive              ArchiveConfiguration `toml:"archive"`
}

// ServerConfiguration for the operator HTTP endpoints
type ServerConfiguration struct {
	BindAddress         string `toml:"bind_address"`
	Port                int    `toml:"port"`
	DrainTimeoutSeconds int    `toml:"drain_timeout_seconds"`
	AuthToken           string `toml:"auth_token"` // Guards POST endpoints when set
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Tables      []TableConfiguration     `toml:"tables"`
	Source      SourceConfiguration      `toml:"source"`
	Bus         BusConfiguration         `toml:"bus"`
	Columnar    ColumnarConfiguration    `toml:"columnar"`
	Search      SearchConfiguration      `toml:"search"`
	Retry       RetryConfiguration       `toml:"retry"`
	Health      HealthConfiguration      `toml:"health"`
	Consistency ConsistencyConfiguration `toml:"consistency"`
	Server      ServerConfiguration      `toml:"server"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Overrides carries command line values that win over the file
type Overrides struct {
	DataDir string
	Port    int
	Verbose bool
}

// Config is the process configuration, populated by Load
var Config = Default()

// Default returns the built-in configuration. Tables and endpoints have no
// defaults and must be supplied.
func Default() *Configuration {
	return &Configuration{
		DataDir: "./cdcsync-data",

		Source: SourceConfiguration{
			ChangeTable:    "cdc_changes",
			NotifyChannel:  "cdc_changes",
			PollIntervalMS: 500,
			BatchSize:      500,
			QueueCapacity:  1024,
			QueryTimeoutMS: 5000,
			MaxOpenConns:   4,
		},

		Bus: BusConfiguration{
			Type:              BusKafka,
			Format:            "debezium",
			TopicPrefix:       "cdc",
			RequiredAcks:      -1, // all in-sync replicas
			StreamMaxAgeHours: 24,
		},

		Columnar: ColumnarConfiguration{
			TablePrefix: "cdc_",
		},

		Search: SearchConfiguration{
			IndexPrefix: "cdc-",
		},

		Retry: RetryConfiguration{
			MaxAttempts:      5,
			BaseDelayMS:      100,
			MaxDelayMS:       30000,
			Multiplier:       2.0,
			Jitter:           0.2,
			AttemptTimeoutMS: 5000,
		},

		Health: HealthConfiguration{
			LagWarningSeconds:       30,
			LagCriticalSeconds:      300,
			ErrorRateWarning:        0.05,
			ErrorRateCritical:       0.20,
			ErrorWindowSeconds:      300,
			WatchdogIntervalSeconds: 120,
			ProbeTimeoutMS:          2000,
			ProbeIntervalSeconds:    15,
			LowThroughputEventsPerS: 0.01,
			LowThroughputWindowMins: 15,
		},

		Consistency: ConsistencyConfiguration{
			Enabled:        true,
			Schedule:       "@every 1h",
			QueryTimeoutMS: 10000,
			Archive: ArchiveConfiguration{
				Prefix: "consistency",
				Region: "us-east-1",
			},
		},

		Server: ServerConfiguration{
			BindAddress:         "0.0.0.0",
			Port:                8090,
			DrainTimeoutSeconds: 30,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:   true,
			Namespace: "cdcsync",
		},
	}
}

// Load reads configuration from file, then environment, then CLI overrides
func Load(configPath string, overrides Overrides) error {
	c := Default()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, c); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	c.applyEnv(os.LookupEnv)

	if overrides.DataDir != "" {
		c.DataDir = overrides.DataDir
	}
	if overrides.Port != 0 {
		c.Server.Port = overrides.Port
	}
	if overrides.Verbose {
		c.Logging.Verbose = true
	}

	Config = c
	return nil
}

// applyEnv applies CDCSYNC_* environment overrides for endpoints and secrets
func (c *Configuration) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("CDCSYNC_DATA_DIR", &c.DataDir)
	str("CDCSYNC_SOURCE_DSN", &c.Source.DSN)
	list("CDCSYNC_BUS_BROKERS", &c.Bus.Brokers)
	str("CDCSYNC_BUS_NATS_URL", &c.Bus.NatsURL)
	str("CDCSYNC_COLUMNAR_DSN", &c.Columnar.DSN)
	list("CDCSYNC_SEARCH_ADDRESSES", &c.Search.Addresses)
	str("CDCSYNC_SEARCH_USERNAME", &c.Search.Username)
	str("CDCSYNC_SEARCH_PASSWORD", &c.Search.Password)
	str("CDCSYNC_ARCHIVE_BUCKET", &c.Consistency.Archive.Bucket)
	str("CDCSYNC_ARCHIVE_ENDPOINT", &c.Consistency.Archive.Endpoint)
	str("CDCSYNC_ADMIN_TOKEN", &c.Server.AuthToken)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one tracked table is required")
	}
	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d]: name is required", i)
		}
		key := strings.ToLower(t.Name)
		if seen[key] {
			return fmt.Errorf("tables[%d]: duplicate table %q", i, t.Name)
		}
		seen[key] = true
		if t.SourceTable == "" {
			return fmt.Errorf("table %s: source_table is required", t.Name)
		}
		if c.Consistency.WindowHours > 0 && t.UpdatedAtColumn == "" {
			return fmt.Errorf("table %s: updated_at_column is required when consistency.window_hours is set", t.Name)
		}
	}

	if c.Source.DSN == "" {
		return fmt.Errorf("source dsn is required")
	}
	if c.Source.ChangeTable == "" {
		return fmt.Errorf("source change_table is required")
	}
	if c.Source.PollIntervalMS < 1 {
		return fmt.Errorf("source poll interval must be >= 1ms")
	}
	if c.Source.BatchSize < 1 {
		return fmt.Errorf("source batch size must be >= 1")
	}
	if c.Source.QueueCapacity < 1 {
		return fmt.Errorf("source queue capacity must be >= 1")
	}

	if !c.Bus.Enabled && !c.Columnar.Enabled && !c.Search.Enabled {
		return fmt.Errorf("at least one sink must be enabled")
	}
	if c.Bus.Enabled {
		switch c.Bus.Type {
		case BusKafka:
			if len(c.Bus.Brokers) == 0 {
				return fmt.Errorf("bus: kafka requires at least one broker")
			}
		case BusNATS:
			if c.Bus.NatsURL == "" {
				return fmt.Errorf("bus: nats requires nats_url")
			}
		default:
			return fmt.Errorf("bus: unknown type %q", c.Bus.Type)
		}
		if c.Bus.Format == "" {
			return fmt.Errorf("bus: format is required")
		}
	}
	if c.Columnar.Enabled && c.Columnar.DSN == "" {
		return fmt.Errorf("columnar: dsn is required")
	}
	if c.Search.Enabled && len(c.Search.Addresses) == 0 {
		return fmt.Errorf("search: at least one address is required")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	if c.Retry.BaseDelayMS < 1 {
		return fmt.Errorf("retry base delay must be >= 1ms")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("retry max delay must be >= base delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be within [0, 1]")
	}
	if c.Retry.AttemptTimeoutMS < 1 {
		return fmt.Errorf("retry attempt timeout must be >= 1ms")
	}

	h := c.Health
	if h.LagWarningSeconds <= 0 || h.LagCriticalSeconds <= h.LagWarningSeconds {
		return fmt.Errorf("lag thresholds must satisfy 0 < warning < critical")
	}
	if h.ErrorRateWarning <= 0 || h.ErrorRateCritical <= h.ErrorRateWarning || h.ErrorRateCritical > 1 {
		return fmt.Errorf("error rate thresholds must satisfy 0 < warning < critical <= 1")
	}
	if h.ErrorWindowSeconds < 1 {
		return fmt.Errorf("error window must be >= 1 second")
	}
	if h.WatchdogIntervalSeconds < 1 {
		return fmt.Errorf("watchdog interval must be >= 1 second")
	}
	if h.ProbeTimeoutMS < 1 {
		return fmt.Errorf("probe timeout must be >= 1ms")
	}

	if c.Consistency.Enabled {
		if _, err := cron.ParseStandard(c.Consistency.Schedule); err != nil {
			return fmt.Errorf("invalid consistency schedule %q: %w", c.Consistency.Schedule, err)
		}
	}
	if c.Consistency.WindowHours < 0 {
		return fmt.Errorf("consistency window must be >= 0 hours")
	}
	if c.Consistency.QueryTimeoutMS < 1 {
		return fmt.Errorf("consistency query timeout must be >= 1ms")
	}
	if c.Consistency.DiscrepancyThreshold < 0 {
		return fmt.Errorf("consistency discrepancy threshold must be >= 0")
	}
	if c.Consistency.Archive.Enabled && c.Consistency.Archive.Bucket == "" {
		return fmt.Errorf("consistency archive requires a bucket")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.DrainTimeoutSeconds < 0 {
		return fmt.Errorf("drain timeout must be >= 0")
	}

	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// TableNames returns the tracked table names in configuration order
func (c *Configuration) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// PollInterval returns the source poll interval
func (c *Configuration) PollInterval() time.Duration {
	return time.Duration(c.Source.PollIntervalMS) * time.Millisecond
}

// DrainTimeout returns how long shutdown waits for in-flight events
func (c *Configuration) DrainTimeout() time.Duration {
	return time.Duration(c.Server.DrainTimeoutSeconds) * time.Second
}

// ConsistencyWindow returns the count window, zero meaning the full table
func (c *Configuration) ConsistencyWindow() time.Duration {
	return time.Duration(c.Consistency.WindowHours) * time.Hour
}

// Millis converts a millisecond config value to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
