// Package config holds the YAML configuration for the agenttrail
// service. Defaults are applied after load so a minimal file with just
// the sections that differ from stock is enough to run.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	AgentTrail AgentTrailConfig `yaml:"agenttrail"`
}

// AgentTrailConfig is the project configuration.
type AgentTrailConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Detection    DetectionConfig    `yaml:"detection"`
	Risk         RiskConfig         `yaml:"risk"`
	Export       ExportConfig       `yaml:"export"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	SessionCache SessionCacheConfig `yaml:"session_cache"`
	Intake       IntakeConfig       `yaml:"intake"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory|sqlite|postgres
	DSN    string `yaml:"dsn"`
}

// DetectionConfig selects and tunes the detection gateway.
type DetectionConfig struct {
	Mode     string                  `yaml:"mode"` // embedded|remote
	Timeout  time.Duration           `yaml:"timeout"`
	Embedded EmbeddedDetectionConfig `yaml:"embedded"`
	Remote   RemoteDetectionConfig   `yaml:"remote"`
}

// EmbeddedDetectionConfig controls the in-process gateway.
type EmbeddedDetectionConfig struct {
	RulesPath     string `yaml:"rules_path"`
	SigmaPath     string `yaml:"sigma_path"`
	MaxParseDepth int    `yaml:"max_parse_depth"`
}

// RemoteDetectionConfig controls the HTTP detection client.
type RemoteDetectionConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// RiskConfig overrides the scoring policy. Weight maps are keyed by
// severity (low, medium, high, critical); absent keys keep the stock
// weight.
type RiskConfig struct {
	ThreatWeights      map[string]int `yaml:"threat_weights"`
	PIIWeights         map[string]int `yaml:"pii_weights"`
	AnomalyWeights     map[string]int `yaml:"anomaly_weights"`
	TerminateThreshold int            `yaml:"terminate_threshold"`
}

// ExportConfig controls the chain export pipeline.
type ExportConfig struct {
	Enabled       bool                   `yaml:"enabled"`
	Mode          string                 `yaml:"mode"` // file|clickhouse
	BatchSize     int                    `yaml:"batch_size"`
	FlushInterval time.Duration          `yaml:"flush_interval"`
	File          FileOutputConfig       `yaml:"file"`
	ClickHouse    ClickHouseOutputConfig `yaml:"clickhouse"`
}

// AlertsConfig controls risk-breach alert delivery.
type AlertsConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// SessionCacheConfig controls the Redis session state mirror.
type SessionCacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IntakeConfig controls the Redis queue consumer.
type IntakeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Key           string        `yaml:"key"`
	DeadLetterKey string        `yaml:"dead_letter_key"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// FileOutputConfig config for local JSONL output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	SampleRate     float64       `yaml:"sample_rate"`
	Insecure       bool          `yaml:"insecure"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	a := &c.AgentTrail

	if a.Server.Addr == "" {
		a.Server.Addr = ":8080"
	}
	if a.Server.ReadTimeout <= 0 {
		a.Server.ReadTimeout = 10 * time.Second
	}
	if a.Server.WriteTimeout <= 0 {
		a.Server.WriteTimeout = 30 * time.Second
	}
	if a.Server.ShutdownTimeout <= 0 {
		a.Server.ShutdownTimeout = 10 * time.Second
	}

	if a.Store.Driver == "" {
		a.Store.Driver = "memory"
	}
	if a.Store.Driver == "sqlite" && a.Store.DSN == "" {
		a.Store.DSN = "agenttrail.db"
	}

	if a.Detection.Mode == "" {
		a.Detection.Mode = "embedded"
	}
	if a.Detection.Timeout <= 0 {
		a.Detection.Timeout = 5 * time.Second
	}
	if a.Detection.Embedded.MaxParseDepth <= 0 {
		a.Detection.Embedded.MaxParseDepth = 8
	}

	if a.Export.Mode == "" {
		a.Export.Mode = "file"
	}
	if a.Export.BatchSize <= 0 {
		a.Export.BatchSize = 200
	}
	if a.Export.FlushInterval <= 0 {
		a.Export.FlushInterval = 2 * time.Second
	}
	if a.Export.File.Path == "" {
		a.Export.File.Path = "output/chain_rows.jsonl"
	}
	if a.Export.ClickHouse.Database == "" {
		a.Export.ClickHouse.Database = "agenttrail"
	}
	if a.Export.ClickHouse.Table == "" {
		a.Export.ClickHouse.Table = "chain_rows"
	}

	if a.SessionCache.Addr == "" {
		a.SessionCache.Addr = "127.0.0.1:6379"
	}
	if a.SessionCache.KeyPrefix == "" {
		a.SessionCache.KeyPrefix = "agenttrail:session"
	}

	if a.Intake.Addr == "" {
		a.Intake.Addr = "127.0.0.1:6379"
	}
	if a.Intake.Key == "" {
		a.Intake.Key = "agenttrail_events"
	}
	if a.Intake.BlockTimeout <= 0 {
		a.Intake.BlockTimeout = 5 * time.Second
	}
	if a.Intake.Workers <= 0 {
		a.Intake.Workers = 4
	}
	if a.Intake.MaxAttempts <= 0 {
		a.Intake.MaxAttempts = 3
	}

	if a.Logging.Level == "" {
		a.Logging.Level = "info"
	}

	if a.Tracing.ServiceName == "" {
		a.Tracing.ServiceName = "agenttrail"
	}
	if a.Tracing.SampleRate == 0 {
		a.Tracing.SampleRate = 1.0
	}
}

var severityNames = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate reports every problem it finds rather than stopping at the
// first one.
func (c *Config) Validate() []error {
	a := &c.AgentTrail
	var errs []error

	switch a.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", a.Store.Driver))
	}
	if a.Store.Driver == "postgres" && a.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for the postgres driver"))
	}

	switch a.Detection.Mode {
	case "embedded":
	case "remote":
		if a.Detection.Remote.URL == "" {
			errs = append(errs, fmt.Errorf("detection.remote.url is required in remote mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("detection.mode must be embedded or remote, got %q", a.Detection.Mode))
	}

	for section, weights := range map[string]map[string]int{
		"risk.threat_weights":  a.Risk.ThreatWeights,
		"risk.pii_weights":     a.Risk.PIIWeights,
		"risk.anomaly_weights": a.Risk.AnomalyWeights,
	} {
		for name, weight := range weights {
			if !severityNames[name] {
				errs = append(errs, fmt.Errorf("%s: unknown severity %q", section, name))
			}
			if weight < 0 {
				errs = append(errs, fmt.Errorf("%s: weight for %q must not be negative", section, name))
			}
		}
	}
	if a.Risk.TerminateThreshold < 0 || a.Risk.TerminateThreshold > 100 {
		errs = append(errs, fmt.Errorf("risk.terminate_threshold must be within 0-100, got %d", a.Risk.TerminateThreshold))
	}

	if a.Export.Enabled {
		switch a.Export.Mode {
		case "file":
		case "clickhouse":
			if a.Export.ClickHouse.URL == "" {
				errs = append(errs, fmt.Errorf("export.clickhouse.url is required in clickhouse mode"))
			}
		default:
			errs = append(errs, fmt.Errorf("export.mode must be file or clickhouse, got %q", a.Export.Mode))
		}
	}

	if a.Alerts.Enabled && a.Alerts.URL == "" {
		errs = append(errs, fmt.Errorf("alerts.url is required when alerts are enabled"))
	}

	if a.Tracing.Enabled && (a.Tracing.SampleRate < 0 || a.Tracing.SampleRate > 1) {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within 0-1, got %g", a.Tracing.SampleRate))
	}

	return errs
}
