// Package config loads the cluster configuration from the environment.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Cluster is the whole-process configuration: the shared concerns plus one
// block per component. Blocks for disabled components are parsed but unused.
type Cluster struct {
	// Logging
	LogLevel  string `env:"OTPD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OTPD_LOG_FORMAT" envDefault:"json"`

	// MetricsAddr exposes /metrics when set; empty disables the listener.
	MetricsAddr string `env:"OTPD_METRICS_ADDR" envDefault:""`

	MD MessageDirector
	SS StateServer
	DB Database
	CA ClientAgent
}

// MessageDirector settings.
type MessageDirector struct {
	Addr          string        `env:"OTPD_MD_ADDR" envDefault:"127.0.0.1:7199"`
	FlushInterval time.Duration `env:"OTPD_MD_FLUSH_INTERVAL" envDefault:"1ms"`
	QueueLimit    int           `env:"OTPD_MD_QUEUE_LIMIT" envDefault:"16384"`
}

// StateServer settings.
type StateServer struct {
	Channel uint64 `env:"OTPD_SS_CHANNEL" envDefault:"1001"`
}

// Database settings.
type Database struct {
	Channel       uint64        `env:"OTPD_DB_CHANNEL" envDefault:"1002"`
	Directory     string        `env:"OTPD_DB_DIRECTORY" envDefault:"databases/json"`
	Extension     string        `env:"OTPD_DB_EXTENSION" envDefault:".json"`
	TrackerName   string        `env:"OTPD_DB_TRACKER" envDefault:"next.json"`
	MinDoID       uint64        `env:"OTPD_DB_MIN_DOID" envDefault:"100000000"`
	MaxDoID       uint64        `env:"OTPD_DB_MAX_DOID" envDefault:"399999999"`
	DrainInterval time.Duration `env:"OTPD_DB_DRAIN_INTERVAL" envDefault:"5ms"`
}

// ClientAgent settings, including the accept-path limits.
type ClientAgent struct {
	Addr            string        `env:"OTPD_CA_ADDR" envDefault:"127.0.0.1:6667"`
	Version         string        `env:"OTPD_CA_VERSION" envDefault:"sv1.0.40.32"`
	HashVal         uint32        `env:"OTPD_CA_HASH_VAL" envDefault:"0"`
	MinChannel      uint64        `env:"OTPD_CA_MIN_CHANNEL" envDefault:"1000000000"`
	MaxChannel      uint64        `env:"OTPD_CA_MAX_CHANNEL" envDefault:"1009999999"`
	AccountsFile    string        `env:"OTPD_CA_ACCOUNTS_FILE" envDefault:"accounts.txt"`
	VisDir          string        `env:"OTPD_CA_VIS_DIR" envDefault:"vis"`
	InterestTimeout time.Duration `env:"OTPD_CA_INTEREST_TIMEOUT" envDefault:"2500ms"`
	OwnerGrantDelay time.Duration `env:"OTPD_CA_OWNER_GRANT_DELAY" envDefault:"200ms"`

	// Admission control.
	MaxConnections     int64   `env:"OTPD_CA_MAX_CONNECTIONS" envDefault:"4096"`
	CPURejectThreshold float64 `env:"OTPD_CA_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"OTPD_CA_MEMORY_LIMIT" envDefault:"0"`
	IPRate             float64 `env:"OTPD_CA_IP_RATE" envDefault:"1.0"`
	IPBurst            int     `env:"OTPD_CA_IP_BURST" envDefault:"10"`
	GlobalRate         float64 `env:"OTPD_CA_GLOBAL_RATE" envDefault:"50.0"`
	GlobalBurst        int     `env:"OTPD_CA_GLOBAL_BURST" envDefault:"300"`
}

// Load reads an optional .env file, parses the environment into a Cluster,
// and validates it.
func Load(log zerolog.Logger) (*Cluster, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment only")
	} else {
		log.Info().Msg("loaded .env file")
	}

	cfg := &Cluster{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Cluster) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("OTPD_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("OTPD_LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}

	if c.MD.Addr == "" {
		return fmt.Errorf("OTPD_MD_ADDR is required")
	}
	if c.MD.QueueLimit < 1 {
		return fmt.Errorf("OTPD_MD_QUEUE_LIMIT must be > 0, got %d", c.MD.QueueLimit)
	}

	if c.CA.Addr == "" {
		return fmt.Errorf("OTPD_CA_ADDR is required")
	}
	if c.CA.Version == "" {
		return fmt.Errorf("OTPD_CA_VERSION is required")
	}
	if c.CA.MinChannel >= c.CA.MaxChannel {
		return fmt.Errorf("OTPD_CA_MIN_CHANNEL (%d) must be below OTPD_CA_MAX_CHANNEL (%d)",
			c.CA.MinChannel, c.CA.MaxChannel)
	}
	if c.CA.CPURejectThreshold < 0 || c.CA.CPURejectThreshold > 100 {
		return fmt.Errorf("OTPD_CA_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CA.CPURejectThreshold)
	}
	if c.CA.MaxConnections < 1 {
		return fmt.Errorf("OTPD_CA_MAX_CONNECTIONS must be > 0, got %d", c.CA.MaxConnections)
	}

	if c.DB.MinDoID >= c.DB.MaxDoID {
		return fmt.Errorf("OTPD_DB_MIN_DOID (%d) must be below OTPD_DB_MAX_DOID (%d)",
			c.DB.MinDoID, c.DB.MaxDoID)
	}
	if c.DB.Directory == "" {
		return fmt.Errorf("OTPD_DB_DIRECTORY is required")
	}
	return nil
}

// LogConfig emits the effective configuration as one structured event.
func (c *Cluster) LogConfig(log zerolog.Logger) {
	log.Info().
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("metrics_addr", c.MetricsAddr).
		Str("md_addr", c.MD.Addr).
		Dur("md_flush_interval", c.MD.FlushInterval).
		Int("md_queue_limit", c.MD.QueueLimit).
		Str("ca_addr", c.CA.Addr).
		Str("ca_version", c.CA.Version).
		Uint32("ca_hash_val", c.CA.HashVal).
		Dur("ca_interest_timeout", c.CA.InterestTimeout).
		Str("db_directory", c.DB.Directory).
		Uint64("db_min_doid", c.DB.MinDoID).
		Uint64("db_max_doid", c.DB.MaxDoID).
		Msg("cluster configuration loaded")
}
