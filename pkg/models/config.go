package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/ctstream/pkg/utils"
)

// Config is the process-wide configuration surface, covering the
// configuration constants plus ambient logging/metrics sections a running
// process needs that the data model leaves implicit.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	CTLogs  CTLogsConfig  `yaml:"ct_logs" json:"ct_logs"`
	Clients ClientsConfig `yaml:"clients" json:"clients"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// The three downstream WebSocket listeners sit at Port+1/+2/+3.
func (s ServerConfig) FullWSPort() int        { return s.Port + 1 }
func (s ServerConfig) LiteWSPort() int        { return s.Port + 2 }
func (s ServerConfig) DomainsOnlyWSPort() int { return s.Port + 3 }

type CTLogsConfig struct {
	LogListURL     string        `yaml:"log_list_url" json:"log_list_url"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	BufferSize     int           `yaml:"buffer_size" json:"buffer_size"`
	MaxWorkers     int           `yaml:"max_workers" json:"max_workers"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_second" json:"requests_per_second"`
}

type ClientsConfig struct {
	PingTimeout    time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
	MaxPerEndpoint int           `yaml:"max_per_endpoint" json:"max_per_endpoint"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size"`
}

type LogConfig struct {
	Level         string `yaml:"level" json:"level"`
	Format        string `yaml:"format" json:"format"`
	Output        string `yaml:"output" json:"output"`
	FileLocation  string `yaml:"file_location" json:"file_location"`
	MaxSizeMB     int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups    int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays    int    `yaml:"max_age_days" json:"max_age_days"`
	Compress      bool   `yaml:"compress" json:"compress"`
	EnableConsole bool   `yaml:"enable_console" json:"enable_console"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		CTLogs: CTLogsConfig{
			LogListURL:     "https://www.gstatic.com/ct/log_list/v3/log_list.json",
			PollInterval:   10 * time.Second,
			BatchSize:      256,
			BufferSize:     25,
			MaxWorkers:     50,
			RequestTimeout: 30 * time.Second,
			RequestsPerSec: 5,
		},
		Clients: ClientsConfig{
			PingTimeout:    60 * time.Second,
			MaxPerEndpoint: 1000,
			QueueSize:      100,
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "json",
			Output:        "console",
			EnableConsole: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
	}
}

func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65532 {
		errs = append(errs, "server.port must be in 1..65532 so the three derived WebSocket ports also fit in 1..65535")
	}
	if c.Server.Host == "" {
		errs = append(errs, "server.host must not be empty")
	}

	if c.CTLogs.LogListURL == "" {
		errs = append(errs, "ct_logs.log_list_url must not be empty")
	}
	if c.CTLogs.PollInterval <= 0 {
		errs = append(errs, "ct_logs.poll_interval must be > 0")
	}
	if c.CTLogs.BatchSize <= 0 {
		errs = append(errs, "ct_logs.batch_size must be > 0")
	}
	if c.CTLogs.BufferSize <= 0 {
		errs = append(errs, "ct_logs.buffer_size must be > 0")
	}
	if c.CTLogs.MaxWorkers <= 0 {
		errs = append(errs, "ct_logs.max_workers must be > 0")
	}
	if c.CTLogs.RequestTimeout <= 0 {
		errs = append(errs, "ct_logs.request_timeout must be > 0")
	}
	if c.CTLogs.RequestsPerSec <= 0 {
		errs = append(errs, "ct_logs.requests_per_second must be > 0")
	}

	if c.Clients.PingTimeout <= 0 {
		errs = append(errs, "clients.ping_timeout must be > 0")
	}
	if c.Clients.MaxPerEndpoint <= 0 {
		errs = append(errs, "clients.max_per_endpoint must be > 0")
	}
	if c.Clients.QueueSize <= 0 {
		errs = append(errs, "clients.queue_size must be > 0")
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, "log.level must be one of trace|debug|info|warn|error|fatal|panic")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	}

	return c.Validate()
}

func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return utils.SafeWriteFile(path, data, 0o644)
}
