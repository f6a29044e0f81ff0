package config

import "time"

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = ".audittrail.yml"

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 8080

// DefaultIgnoreActions are actions too routine to flag as anomalies.
var DefaultIgnoreActions = []string{
	"session.*",
	"*.viewed",
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "audittrail.db"},
		Server: ServerConfig{
			Port:           DefaultPort,
			RequestTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatJSON,
		},
		Query: QueryConfig{
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		Integrity: IntegrityConfig{
			BatchSize:       500,
			SaveCheckpoints: true,
		},
		Anomaly: AnomalyConfig{
			IgnoreActions: append([]string(nil), DefaultIgnoreActions...),
		},
	}
}
