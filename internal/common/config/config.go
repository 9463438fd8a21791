// Package config provides configuration management for Crewdock.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Crewdock.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Preview  PreviewConfig  `mapstructure:"preview"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds datastore configuration. The sqlite driver needs only
// Path; the postgres driver uses the connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds container engine client configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	StopTimeout    int    `mapstructure:"stopTimeout"` // in seconds
}

// PortsConfig holds the allocator's port range and retry budget.
type PortsConfig struct {
	RangeStart int   `mapstructure:"rangeStart"`
	RangeEnd   int   `mapstructure:"rangeEnd"`
	MaxRetries int   `mapstructure:"maxRetries"`
	Exclusions []int `mapstructure:"exclusions"`
}

// AgentConfig holds agent lifecycle and execution configuration.
type AgentConfig struct {
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // seconds between liveness checks
	HeartbeatTimeout  int    `mapstructure:"heartbeatTimeout"`  // seconds of staleness before offline
	StartupTimeout    int    `mapstructure:"startupTimeout"`    // seconds to wait for readiness
	MessageQueueLimit int    `mapstructure:"messageQueueLimit"` // per-agent queued message cap
	InputWarmup       int    `mapstructure:"inputWarmup"`       // seconds of input suppression after spawn
	DefaultCommand    string `mapstructure:"defaultCommand"`    // command run when a spawn request gives none
	Image             string `mapstructure:"image"`             // image for docker-isolated sessions
	WorkspaceRoot     string `mapstructure:"workspaceRoot"`     // host directory for agent workspaces
}

// PreviewConfig holds preview container provisioning configuration.
type PreviewConfig struct {
	Image            string `mapstructure:"image"`            // dev server image
	InternalPort     int    `mapstructure:"internalPort"`     // fixed dev-server port inside the container
	CloneTimeout     int    `mapstructure:"cloneTimeout"`     // seconds for the whole branch-fallback chain
	StartTimeout     int    `mapstructure:"startTimeout"`     // seconds for container create+start
	RestartDebounce  int    `mapstructure:"restartDebounce"`  // seconds between stop and re-start
	HealthInterval   int    `mapstructure:"healthInterval"`   // seconds between reconciliation sweeps
	WorkspaceRoot    string `mapstructure:"workspaceRoot"`    // host directory for cloned/scaffolded projects
	PublicBaseURL    string `mapstructure:"publicBaseUrl"`    // base for team-scoped preview URLs
	ScaffoldManifest string `mapstructure:"scaffoldManifest"` // optional path overriding the embedded manifest
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat check interval as a time.Duration.
func (a *AgentConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(a.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat staleness timeout as a time.Duration.
func (a *AgentConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(a.HeartbeatTimeout) * time.Second
}

// StartupTimeoutDuration returns the readiness timeout as a time.Duration.
func (a *AgentConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(a.StartupTimeout) * time.Second
}

// InputWarmupDuration returns the post-spawn input suppression window as a time.Duration.
func (a *AgentConfig) InputWarmupDuration() time.Duration {
	return time.Duration(a.InputWarmup) * time.Second
}

// StopTimeoutDuration returns the container stop grace period as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// CloneTimeoutDuration returns the clone budget as a time.Duration.
func (p *PreviewConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(p.CloneTimeout) * time.Second
}

// StartTimeoutDuration returns the container start budget as a time.Duration.
func (p *PreviewConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(p.StartTimeout) * time.Second
}

// RestartDebounceDuration returns the stop-to-start pause as a time.Duration.
func (p *PreviewConfig) RestartDebounceDuration() time.Duration {
	return time.Duration(p.RestartDebounce) * time.Second
}

// HealthIntervalDuration returns the reconciliation interval as a time.Duration.
func (p *PreviewConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(p.HealthInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// JSON in Kubernetes or explicit production environments, console otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CREWDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./crewdock.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crewdock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "crewdock")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crewdock")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "bridge")
	v.SetDefault("docker.stopTimeout", 10)

	// Port allocator defaults
	v.SetDefault("ports.rangeStart", 8000)
	v.SetDefault("ports.rangeEnd", 8099)
	v.SetDefault("ports.maxRetries", 100)
	v.SetDefault("ports.exclusions", []int{})

	// Agent lifecycle defaults
	v.SetDefault("agent.heartbeatInterval", 5)
	v.SetDefault("agent.heartbeatTimeout", 15)
	v.SetDefault("agent.startupTimeout", 30)
	v.SetDefault("agent.messageQueueLimit", 50)
	v.SetDefault("agent.inputWarmup", 5)
	v.SetDefault("agent.defaultCommand", "bash")
	v.SetDefault("agent.image", "debian:bookworm-slim")
	v.SetDefault("agent.workspaceRoot", "./data/agents")

	// Preview defaults
	v.SetDefault("preview.image", "node:20-alpine")
	v.SetDefault("preview.internalPort", 5173)
	v.SetDefault("preview.cloneTimeout", 180)
	v.SetDefault("preview.startTimeout", 120)
	v.SetDefault("preview.restartDebounce", 2)
	v.SetDefault("preview.healthInterval", 30)
	v.SetDefault("preview.workspaceRoot", "./data/previews")
	v.SetDefault("preview.publicBaseUrl", "http://localhost:8080")
	v.SetDefault("preview.scaffoldManifest", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/crewdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CREWDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.dbName", "CREWDOCK_DATABASE_DB_NAME")
	_ = v.BindEnv("ports.rangeStart", "CREWDOCK_PORTS_RANGE_START")
	_ = v.BindEnv("ports.rangeEnd", "CREWDOCK_PORTS_RANGE_END")
	_ = v.BindEnv("ports.maxRetries", "CREWDOCK_PORTS_MAX_RETRIES")
	_ = v.BindEnv("agent.heartbeatInterval", "CREWDOCK_AGENT_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("agent.heartbeatTimeout", "CREWDOCK_AGENT_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("agent.startupTimeout", "CREWDOCK_AGENT_STARTUP_TIMEOUT")
	_ = v.BindEnv("preview.publicBaseUrl", "CREWDOCK_PREVIEW_PUBLIC_BASE_URL")
	_ = v.BindEnv("preview.internalPort", "CREWDOCK_PREVIEW_INTERNAL_PORT")
	_ = v.BindEnv("preview.healthInterval", "CREWDOCK_PREVIEW_HEALTH_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewdock/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Ports.RangeStart <= 0 || cfg.Ports.RangeStart > 65535 {
		errs = append(errs, "ports.rangeStart must be between 1 and 65535")
	}
	if cfg.Ports.RangeEnd < cfg.Ports.RangeStart || cfg.Ports.RangeEnd > 65535 {
		errs = append(errs, "ports.rangeEnd must be between ports.rangeStart and 65535")
	}
	if cfg.Ports.MaxRetries <= 0 {
		errs = append(errs, "ports.maxRetries must be positive")
	}

	if cfg.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, "agent.heartbeatInterval must be positive")
	}
	if cfg.Agent.HeartbeatTimeout <= cfg.Agent.HeartbeatInterval {
		errs = append(errs, "agent.heartbeatTimeout must be greater than agent.heartbeatInterval")
	}
	if cfg.Agent.StartupTimeout <= 0 {
		errs = append(errs, "agent.startupTimeout must be positive")
	}
	if cfg.Agent.MessageQueueLimit <= 0 {
		errs = append(errs, "agent.messageQueueLimit must be positive")
	}
	if cfg.Agent.InputWarmup < 0 {
		errs = append(errs, "agent.inputWarmup must not be negative")
	}

	if cfg.Preview.InternalPort <= 0 || cfg.Preview.InternalPort > 65535 {
		errs = append(errs, "preview.internalPort must be between 1 and 65535")
	}
	if cfg.Preview.HealthInterval <= 0 {
		errs = append(errs, "preview.healthInterval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
