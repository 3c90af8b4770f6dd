package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is reported to clients in CONNECTION_ACCEPTED.
const Version = "v1.0.0"

// ServerConfig is the flattened runtime configuration.
type ServerConfig struct {
	Name           string
	WelcomeMessage string

	// Listen addresses. An empty WS or metrics address disables that server.
	ListenAddr        string
	WSListenAddr      string
	MetricsListenAddr string

	// DatabasePath is the SQLite file for members and permanent channels.
	// Empty means nothing is loaded or saved.
	DatabasePath     string
	SnapshotInterval time.Duration
	LogLevel         string

	MaxHandlers        int
	MaxUsersPerHandler int
	PollInterval       time.Duration

	DefaultChannel ChannelDefaults
	MemberRights   Rights
	GuestRights    Rights
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	cfg := DefaultTOMLConfig()
	return cfg.ToServerConfig()
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server         ServerSection         `toml:"server"`
	Connections    ConnectionsSection    `toml:"connections"`
	DefaultChannel DefaultChannelSection `toml:"default_channel"`
	Permissions    PermissionsSection    `toml:"permissions"`
	Persistence    PersistenceSection    `toml:"persistence"`
}

type ServerSection struct {
	Name           string `toml:"name"`
	WelcomeMessage string `toml:"welcome_message"`
	Port           int    `toml:"port"`
	WSPort         int    `toml:"ws_port"`
	MetricsPort    int    `toml:"metrics_port"`
	DatabasePath   string `toml:"database_path"`
	LogLevel       string `toml:"log_level"`
}

type ConnectionsSection struct {
	MaxHandlers        int `toml:"max_handlers"`
	MaxUsersPerHandler int `toml:"max_users_per_handler"`
	PollIntervalMs     int `toml:"poll_interval_ms"`
}

type DefaultChannelSection struct {
	Name        string `toml:"name"`
	Topic       string `toml:"topic"`
	Description string `toml:"description"`
}

type PermissionsSection struct {
	MemberCanCreateChannel bool `toml:"member_can_create_channel"`
	MemberCanModifyChannel bool `toml:"member_can_modify_channel"`
	MemberCanDeleteChannel bool `toml:"member_can_delete_channel"`
	GuestCanCreateChannel  bool `toml:"guest_can_create_channel"`
	GuestCanModifyChannel  bool `toml:"guest_can_modify_channel"`
	GuestCanDeleteChannel  bool `toml:"guest_can_delete_channel"`
}

type PersistenceSection struct {
	SnapshotIntervalSeconds int `toml:"snapshot_interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Name:           "conVoice Server",
			WelcomeMessage: "Welcome to the ConVoice server!",
			Port:           6969,
			DatabasePath:   "~/.convoice/convoice.db",
			LogLevel:       "info",
		},
		Connections: ConnectionsSection{
			MaxHandlers:        4,
			MaxUsersPerHandler: 25,
			PollIntervalMs:     10,
		},
		DefaultChannel: DefaultChannelSection{
			Name:        "Default Channel",
			Description: "The default channel of the server.",
		},
		Permissions: PermissionsSection{
			MemberCanCreateChannel: true,
			MemberCanModifyChannel: true,
			MemberCanDeleteChannel: true,
		},
		Persistence: PersistenceSection{
			SnapshotIntervalSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file keep
// their default values.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just return defaults without error
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if val, ok := os.LookupEnv(key); ok {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CONVOICE_SECTION_KEY
// Example: CONVOICE_SERVER_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("CONVOICE_SERVER_NAME", &config.Server.Name)
	envString("CONVOICE_SERVER_WELCOME_MESSAGE", &config.Server.WelcomeMessage)
	envInt("CONVOICE_SERVER_PORT", &config.Server.Port)
	envInt("CONVOICE_SERVER_WS_PORT", &config.Server.WSPort)
	envInt("CONVOICE_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("CONVOICE_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("CONVOICE_SERVER_LOG_LEVEL", &config.Server.LogLevel)

	envInt("CONVOICE_CONNECTIONS_MAX_HANDLERS", &config.Connections.MaxHandlers)
	envInt("CONVOICE_CONNECTIONS_MAX_USERS_PER_HANDLER", &config.Connections.MaxUsersPerHandler)
	envInt("CONVOICE_CONNECTIONS_POLL_INTERVAL_MS", &config.Connections.PollIntervalMs)

	envString("CONVOICE_DEFAULT_CHANNEL_NAME", &config.DefaultChannel.Name)
	envString("CONVOICE_DEFAULT_CHANNEL_TOPIC", &config.DefaultChannel.Topic)
	envString("CONVOICE_DEFAULT_CHANNEL_DESCRIPTION", &config.DefaultChannel.Description)

	envBool("CONVOICE_PERMISSIONS_MEMBER_CAN_CREATE_CHANNEL", &config.Permissions.MemberCanCreateChannel)
	envBool("CONVOICE_PERMISSIONS_MEMBER_CAN_MODIFY_CHANNEL", &config.Permissions.MemberCanModifyChannel)
	envBool("CONVOICE_PERMISSIONS_MEMBER_CAN_DELETE_CHANNEL", &config.Permissions.MemberCanDeleteChannel)
	envBool("CONVOICE_PERMISSIONS_GUEST_CAN_CREATE_CHANNEL", &config.Permissions.GuestCanCreateChannel)
	envBool("CONVOICE_PERMISSIONS_GUEST_CAN_MODIFY_CHANNEL", &config.Permissions.GuestCanModifyChannel)
	envBool("CONVOICE_PERMISSIONS_GUEST_CAN_DELETE_CHANNEL", &config.Permissions.GuestCanDeleteChannel)

	envInt("CONVOICE_PERSISTENCE_SNAPSHOT_INTERVAL_SECONDS", &config.Persistence.SnapshotIntervalSeconds)

	return config
}

const defaultConfigFile = `# conVoice Server Configuration
# This file was auto-generated with default values
# Keys left out keep their defaults
#
# Environment variables can override these settings:
# CONVOICE_SECTION_KEY (e.g., CONVOICE_SERVER_PORT=7000)
# Permissions and connection limits are re-read on SIGHUP

[server]
# Display name sent to clients on login
name = "conVoice Server"

# Greeting sent to clients on login
welcome_message = "Welcome to the ConVoice server!"

# Port for TCP connections
port = 6969

# Port for the WebSocket bridge (/ws), 0 = disabled
ws_port = 0

# Port for /metrics and /health (internal only), 0 = disabled
metrics_port = 0

# SQLite file holding members and permanent channels
# Set to "" to run without persistence
database_path = "~/.convoice/convoice.db"

# debug, info, warn or error
log_level = "info"

[connections]
# Maximum number of connection handlers
max_handlers = 4

# Maximum users served by one handler
max_users_per_handler = 25

# Idle wait between handler passes in milliseconds
poll_interval_ms = 10

[default_channel]
name = "Default Channel"
topic = ""
description = "The default channel of the server."

[permissions]
member_can_create_channel = true
member_can_modify_channel = true
member_can_delete_channel = true
guest_can_create_channel = false
guest_can_modify_channel = false
guest_can_delete_channel = false

[persistence]
# How often members and permanent channels are written to the database
snapshot_interval_seconds = 30
`

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := ServerConfig{
		Name:           c.Server.Name,
		WelcomeMessage: c.Server.WelcomeMessage,
		ListenAddr:     fmt.Sprintf(":%d", c.Server.Port),
		DatabasePath:   c.Server.DatabasePath,
		LogLevel:       c.Server.LogLevel,

		MaxHandlers:        c.Connections.MaxHandlers,
		MaxUsersPerHandler: c.Connections.MaxUsersPerHandler,
		PollInterval:       time.Duration(c.Connections.PollIntervalMs) * time.Millisecond,
		SnapshotInterval:   time.Duration(c.Persistence.SnapshotIntervalSeconds) * time.Second,

		DefaultChannel: ChannelDefaults{
			Name:        c.DefaultChannel.Name,
			Topic:       c.DefaultChannel.Topic,
			Description: c.DefaultChannel.Description,
		},
		MemberRights: NewRights(
			c.Permissions.MemberCanCreateChannel,
			c.Permissions.MemberCanModifyChannel,
			c.Permissions.MemberCanDeleteChannel,
		),
		GuestRights: NewRights(
			c.Permissions.GuestCanCreateChannel,
			c.Permissions.GuestCanModifyChannel,
			c.Permissions.GuestCanDeleteChannel,
		),
	}

	if c.Server.WSPort > 0 {
		cfg.WSListenAddr = fmt.Sprintf(":%d", c.Server.WSPort)
	}
	if c.Server.MetricsPort > 0 {
		cfg.MetricsListenAddr = fmt.Sprintf(":%d", c.Server.MetricsPort)
	}
	if cfg.MaxHandlers < 1 {
		cfg.MaxHandlers = 1
	}
	if cfg.MaxUsersPerHandler < 1 {
		cfg.MaxUsersPerHandler = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
