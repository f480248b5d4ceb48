package config

// Config represents the main stencild configuration
type Config struct {
	// Listen address for the HTTP front end
	Listen string `json:"listen" mapstructure:"listen"`

	// Document root served by the worker pool
	DocumentRoot string `json:"document_root" mapstructure:"document_root"`

	// Data directory (session database, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Session store
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Worker pool
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Per-request execution deadline in seconds
	DeadlineSeconds int `json:"deadline_seconds" mapstructure:"deadline_seconds"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	ExpirySeconds int    `json:"expiry_seconds" mapstructure:"expiry_seconds"`
	CookiePath    string `json:"cookie_path" mapstructure:"cookie_path"`
	ErrorLog      bool   `json:"error_log" mapstructure:"error_log"`
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	// Slack is how many idle workers above the busy count the shrink
	// policy tolerates before it starts terminating.
	Slack int `json:"slack" mapstructure:"slack"`

	// ShrinkIntervalSeconds is how often the shrink policy runs.
	ShrinkIntervalSeconds int `json:"shrink_interval_seconds" mapstructure:"shrink_interval_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		DocumentRoot: ".",
		Session: SessionConfig{
			ExpirySeconds: 3600,
			CookiePath:    "/",
			ErrorLog:      true,
		},
		Pool: PoolConfig{
			Slack:                 2,
			ShrinkIntervalSeconds: 30,
		},
		DeadlineSeconds: 30,
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}
