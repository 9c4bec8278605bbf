package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TransportType selects the change-feed transport
type TransportType string

const (
	TransportNATS  TransportType = "nats"
	TransportKafka TransportType = "kafka"
)

// FeedConfiguration controls the upstream change-feed connection
type FeedConfiguration struct {
	Transport   TransportType `toml:"transport"`
	URL         string        `toml:"url"`
	AuthToken   string        `toml:"auth_token"`
	TopicPrefix string        `toml:"topic_prefix"`
	Encoding    string        `toml:"encoding"` // "json" or "msgpack"
	WatchTables []string      `toml:"watch_tables"`
}

// ReconnectConfiguration controls the reconnection backoff policy
type ReconnectConfiguration struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// SessionConfiguration identifies the current session for invalidation escalation
type SessionConfiguration struct {
	UserID         string   `toml:"user_id"`
	IdentityTables []string `toml:"identity_tables"` // Tables holding auth/role data
	IdentityFields []string `toml:"identity_fields"` // Fields that trigger full invalidation
}

// InvalidationConfiguration controls invalidation coalescing
type InvalidationConfiguration struct {
	CoalesceWindowMS int `toml:"coalesce_window_ms"`
}

// DedupeConfiguration controls duplicate-frame suppression
type DedupeConfiguration struct {
	Enabled  bool `toml:"enabled"`
	Capacity int  `toml:"capacity"`
}

// CacheConfiguration controls the built-in LRU cache
type CacheConfiguration struct {
	Capacity int `toml:"capacity"`
}

// NotificationConfiguration controls the notification history buffer
type NotificationConfiguration struct {
	BufferSize int      `toml:"buffer_size"`
	Tables     []string `toml:"tables"` // Glob patterns; empty = all tables
	Persist    bool     `toml:"persist"`
}

// AdminConfiguration for the HTTP status/admin API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthSecret  string `toml:"auth_secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID uint64 `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	Feed          FeedConfiguration         `toml:"feed"`
	Reconnect     ReconnectConfiguration    `toml:"reconnect"`
	Session       SessionConfiguration      `toml:"session"`
	Invalidation  InvalidationConfiguration `toml:"invalidation"`
	Dedupe        DedupeConfiguration       `toml:"dedupe"`
	Cache         CacheConfiguration        `toml:"cache"`
	Notifications NotificationConfiguration `toml:"notifications"`
	Admin         AdminConfiguration        `toml:"admin"`
	Logging       LoggingConfiguration      `toml:"logging"`
	Prometheus    PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "ripple.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	FeedURLFlag    = flag.String("feed-url", "", "Change feed URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ClientID: 0, // Auto-generate
	DataDir:  "./ripple-data",

	Feed: FeedConfiguration{
		Transport:   TransportNATS,
		URL:         "nats://localhost:4222",
		TopicPrefix: "ripple",
		Encoding:    "json",
		WatchTables: []string{},
	},

	Reconnect: ReconnectConfiguration{
		MaxAttempts: 5,
		BaseDelayMS: 1000,
		MaxDelayMS:  30000,
	},

	Session: SessionConfiguration{
		IdentityTables: []string{"profiles", "user_roles"},
		IdentityFields: []string{"role", "permissions"},
	},

	Invalidation: InvalidationConfiguration{
		CoalesceWindowMS: 100,
	},

	Dedupe: DedupeConfiguration{
		Enabled:  true,
		Capacity: 100000,
	},

	Cache: CacheConfiguration{
		Capacity: 10000,
	},

	Notifications: NotificationConfiguration{
		BufferSize: 50,
		Tables:     []string{},
		Persist:    false,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8980,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *FeedURLFlag != "" {
		Config.Feed.URL = *FeedURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate client ID if not set
	if Config.ClientID == 0 {
		var err error
		Config.ClientID, err = generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		log.Info().Uint64("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	// Data directory only matters when notification persistence is enabled
	if Config.Notifications.Persist {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// generateClientID creates a stable client ID based on machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("ripple")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Feed.Transport {
	case TransportNATS, TransportKafka:
	default:
		return fmt.Errorf("unknown feed transport: %s", Config.Feed.Transport)
	}

	if Config.Feed.URL == "" {
		return fmt.Errorf("feed URL is required")
	}

	switch Config.Feed.Encoding {
	case "json", "msgpack":
	default:
		return fmt.Errorf("unknown feed encoding: %s", Config.Feed.Encoding)
	}

	if Config.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be >= 1")
	}

	if Config.Reconnect.BaseDelayMS < 1 {
		return fmt.Errorf("reconnect base delay must be >= 1ms")
	}

	if Config.Reconnect.MaxDelayMS < Config.Reconnect.BaseDelayMS {
		return fmt.Errorf("reconnect max delay must be >= base delay")
	}

	if Config.Invalidation.CoalesceWindowMS < 0 {
		return fmt.Errorf("invalidation coalesce window must be >= 0")
	}

	if Config.Dedupe.Enabled && Config.Dedupe.Capacity < 1 {
		return fmt.Errorf("dedupe capacity must be >= 1")
	}

	if Config.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be >= 1")
	}

	if Config.Notifications.BufferSize < 1 {
		return fmt.Errorf("notification buffer size must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin endpoints require authentication
func IsAdminAuthEnabled() bool {
	return Config.Admin.AuthSecret != ""
}

// GetAdminSecret returns the admin auth secret
func GetAdminSecret() string {
	return Config.Admin.AuthSecret
}
