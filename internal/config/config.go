package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all fabric server configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Session   SessionDefaults `mapstructure:"session"`
	Delegate  DelegateConfig  `mapstructure:"delegate"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// HTTPConfig contains the REST API server settings
type HTTPConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	MetricsPort int      `mapstructure:"metrics_port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// NATSConfig contains event bus settings
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig contains the handoff context store settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig contains PostgreSQL snapshot store settings
type DatabaseConfig struct {
	URL      string `mapstructure:"url"` // overrides the individual fields when set
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DSN builds a connection string from the individual fields unless URL is set
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// SignalingConfig contains the WebSocket relay settings
type SignalingConfig struct {
	Host                      string        `mapstructure:"host"`
	Port                      int           `mapstructure:"port"`
	Path                      string        `mapstructure:"path"`
	HeartbeatInterval         time.Duration `mapstructure:"heartbeat_interval"`
	MaxParticipantsPerSession int           `mapstructure:"max_participants_per_session"`
	ConnectTimeout            time.Duration `mapstructure:"connect_timeout"`
}

// SessionDefaults contains defaults applied to new sessions when the
// per-session config leaves a field unset
type SessionDefaults struct {
	MaxParticipants  int  `mapstructure:"max_participants"`
	EnableVetoes     bool `mapstructure:"enable_vetoes"`
	EnableA2A        bool `mapstructure:"enable_a2a"`
	EnableSignaling  bool `mapstructure:"enable_signaling"`
	FallbackToDirect bool `mapstructure:"fallback_to_direct"`
}

// DelegateConfig contains swarm delegate settings
type DelegateConfig struct {
	EnableLocalInference     bool  `mapstructure:"enable_local_inference"`
	LatencyTargetMs          int64 `mapstructure:"latency_target_ms"`
	MaxConcurrentDelegations int64 `mapstructure:"max_concurrent_delegations"`
	EnableConsensusVoting    bool  `mapstructure:"enable_consensus_voting"`
}

// Load reads configuration from the given file (optional) plus
// FABRIC_-prefixed environment variables, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("FABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fabric")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8090)
	v.SetDefault("http.metrics_port", 9091)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fabric")
	v.SetDefault("database.database", "fabric")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	v.SetDefault("signaling.host", "0.0.0.0")
	v.SetDefault("signaling.port", 8091)
	v.SetDefault("signaling.path", "/signal")
	v.SetDefault("signaling.heartbeat_interval", 30*time.Second)
	v.SetDefault("signaling.max_participants_per_session", 50)
	v.SetDefault("signaling.connect_timeout", 5*time.Second)

	v.SetDefault("session.max_participants", 10)
	v.SetDefault("session.enable_vetoes", true)
	v.SetDefault("session.enable_a2a", true)
	v.SetDefault("session.enable_signaling", true)
	v.SetDefault("session.fallback_to_direct", true)

	v.SetDefault("delegate.enable_local_inference", true)
	v.SetDefault("delegate.latency_target_ms", 2000)
	v.SetDefault("delegate.max_concurrent_delegations", 10)
	v.SetDefault("delegate.enable_consensus_voting", true)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Session.MaxParticipants < 2 || c.Session.MaxParticipants > 50 {
		return fmt.Errorf("session.max_participants must be in [2, 50], got %d", c.Session.MaxParticipants)
	}
	if c.Signaling.MaxParticipantsPerSession < 2 {
		return fmt.Errorf("signaling.max_participants_per_session must be >= 2, got %d", c.Signaling.MaxParticipantsPerSession)
	}
	if c.Signaling.HeartbeatInterval <= 0 {
		return fmt.Errorf("signaling.heartbeat_interval must be positive, got %s", c.Signaling.HeartbeatInterval)
	}
	if c.Signaling.ConnectTimeout <= 0 {
		return fmt.Errorf("signaling.connect_timeout must be positive, got %s", c.Signaling.ConnectTimeout)
	}
	if c.Delegate.LatencyTargetMs < 0 {
		return fmt.Errorf("delegate.latency_target_ms must be non-negative, got %d", c.Delegate.LatencyTargetMs)
	}
	if c.Delegate.MaxConcurrentDelegations < 1 {
		return fmt.Errorf("delegate.max_concurrent_delegations must be positive, got %d", c.Delegate.MaxConcurrentDelegations)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.HTTP.MetricsPort < 1 || c.HTTP.MetricsPort > 65535 {
		return fmt.Errorf("http.metrics_port out of range: %d", c.HTTP.MetricsPort)
	}
	if c.Signaling.Port < 1 || c.Signaling.Port > 65535 {
		return fmt.Errorf("signaling.port out of range: %d", c.Signaling.Port)
	}
	return nil
}
