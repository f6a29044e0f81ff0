package config

import "time"

// LogFormat selects the log encoder.
type LogFormat string

const (
	LogFormatJSON    LogFormat = "json"
	LogFormatConsole LogFormat = "console"
)

// Config is the top-level audittrail configuration, corresponding to .audittrail.yml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" koanf:"database"`
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	Log       LogConfig       `yaml:"log" koanf:"log"`
	Query     QueryConfig     `yaml:"query" koanf:"query"`
	Integrity IntegrityConfig `yaml:"integrity" koanf:"integrity"`
	Anomaly   AnomalyConfig   `yaml:"anomaly" koanf:"anomaly"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" koanf:"port"`
	AllowAllOrigins bool          `yaml:"allow_all_origins" koanf:"allow_all_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout" koanf:"request_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string    `yaml:"level" koanf:"level"`
	Format LogFormat `yaml:"format" koanf:"format"`
}

// QueryConfig bounds list pagination.
type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" koanf:"default_limit"`
	MaxLimit     int `yaml:"max_limit" koanf:"max_limit"`
}

// IntegrityConfig tunes chain verification.
type IntegrityConfig struct {
	BatchSize       int  `yaml:"batch_size" koanf:"batch_size"`
	SaveCheckpoints bool `yaml:"save_checkpoints" koanf:"save_checkpoints"`
}

// AnomalyConfig tunes summary anomaly detection.
type AnomalyConfig struct {
	// IgnoreActions are glob patterns (e.g. "session.*") excluded from
	// anomaly detection.
	IgnoreActions []string `yaml:"ignore_actions" koanf:"ignore_actions"`
}
