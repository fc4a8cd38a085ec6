package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire custodian configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Vault    VaultConfig    `yaml:"vault"`
	Bus      BusConfig      `yaml:"bus"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Syslog   SyslogConfig   `yaml:"syslog"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig holds event processing settings.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`      // event worker pool size
	QueueSize    int           `yaml:"queue_size"`   // inbound event buffer
	DedupWindow  time.Duration `yaml:"dedup_window"` // duplicate suppression span
	DedupMaxSize int           `yaml:"dedup_max_size"`
}

// OracleConfig holds external classifier gateway settings.
type OracleConfig struct {
	URL              string        `yaml:"url"`
	APIKeyEnv        string        `yaml:"api_key_env"` // env var holding the key
	Timeout          time.Duration `yaml:"timeout"`
	QueueWait        time.Duration `yaml:"queue_wait"` // secondary deadline before fallback
	RatePerSecond    float64       `yaml:"rate_per_second"`
	RateBurst        int           `yaml:"rate_burst"`
	MaxInflight      int           `yaml:"max_inflight"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	CacheSize        int           `yaml:"cache_size"`
	CaptureThreshold float64       `yaml:"capture_threshold"` // min confidence to trigger capture
}

// SnapshotConfig holds emergency capture settings.
type SnapshotConfig struct {
	GlobalDeadline time.Duration `yaml:"global_deadline"`
	CaptureNetwork bool          `yaml:"capture_network"`
}

// VaultConfig holds evidence storage settings.
type VaultConfig struct {
	Dir string `yaml:"dir"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// WatcherConfig holds process watcher settings.
type WatcherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SyslogConfig holds the remote syslog event source settings. Disabled by
// default; when enabled, forwarded auditd/shell activity lines become
// events like any locally watched process.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // udp, tcp, or both
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    4096,
			DedupWindow:  30 * time.Second,
			DedupMaxSize: 50000,
		},
		Oracle: OracleConfig{
			URL:              "",
			APIKeyEnv:        "CUSTODIAN_ORACLE_KEY",
			Timeout:          10 * time.Second,
			QueueWait:        2 * time.Second,
			RatePerSecond:    2,
			RateBurst:        4,
			MaxInflight:      4,
			CacheTTL:         10 * time.Minute,
			CacheSize:        10000,
			CaptureThreshold: 0.7,
		},
		Snapshot: SnapshotConfig{
			GlobalDeadline: 500 * time.Millisecond,
			CaptureNetwork: true,
		},
		Vault: VaultConfig{
			Dir: "./data/evidence",
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Archive: DefaultArchiveConfig(),
		Watcher: WatcherConfig{
			Enabled:      true,
			PollInterval: 25 * time.Millisecond,
		},
		Syslog: SyslogConfig{
			Enabled:  false,
			Host:     "127.0.0.1",
			Port:     5514,
			Protocol: "udp",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.DedupWindow <= 0 {
		return fmt.Errorf("pipeline.dedup_window must be positive, got %s", c.Pipeline.DedupWindow)
	}
	if c.Oracle.CaptureThreshold < 0 || c.Oracle.CaptureThreshold > 1 {
		return fmt.Errorf("oracle.capture_threshold must be in [0,1], got %g", c.Oracle.CaptureThreshold)
	}
	if c.Oracle.MaxInflight < 1 {
		return fmt.Errorf("oracle.max_inflight must be >= 1, got %d", c.Oracle.MaxInflight)
	}
	if c.Snapshot.GlobalDeadline <= 0 {
		return fmt.Errorf("snapshot.global_deadline must be positive, got %s", c.Snapshot.GlobalDeadline)
	}
	if c.Snapshot.GlobalDeadline >= c.Pipeline.DedupWindow {
		return fmt.Errorf("snapshot.global_deadline %s must be below pipeline.dedup_window %s",
			c.Snapshot.GlobalDeadline, c.Pipeline.DedupWindow)
	}
	if c.Vault.Dir == "" {
		return fmt.Errorf("vault.dir must not be empty")
	}
	if c.Syslog.Enabled {
		switch strings.ToLower(c.Syslog.Protocol) {
		case "udp", "tcp", "both":
		default:
			return fmt.Errorf("syslog.protocol must be udp, tcp, or both, got %q", c.Syslog.Protocol)
		}
		if c.Syslog.Port < 1 || c.Syslog.Port > 65535 {
			return fmt.Errorf("syslog.port must be in [1,65535], got %d", c.Syslog.Port)
		}
	}
	return nil
}

// OracleAPIKey resolves the oracle API key from the configured environment
// variable. Empty means the oracle path is disabled and every candidate
// falls back to the local heuristic verdict.
func (c *Config) OracleAPIKey() string {
	if c.Oracle.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Oracle.APIKeyEnv)
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
