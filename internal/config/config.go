// Package config owns the runtime configuration: a JSON settings file
// with a hot-reloadable subset, flat JSON persistence for the ban and
// mute lists, and environment bootstrap for process-level knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Env is the process bootstrap configuration, resolved once at startup
// from the environment.
type Env struct {
	ConfigPath string `env:"RELAYD_CONFIG, default=config.json"`
	DataDir    string `env:"RELAYD_DATA_DIR, default=."`
	HTTPAddr   string `env:"RELAYD_HTTP_ADDR"`
	Debug      bool   `env:"RELAYD_DEBUG"`
}

// Settings is the JSON configuration file shape.
type Settings struct {
	Server   ServerSettings   `json:"server"`
	Admin    AdminSettings    `json:"admin"`
	Security SecuritySettings `json:"security"`
	Logging  LoggingSettings  `json:"logging"`
	Data     DataSettings     `json:"data"`
}

type ServerSettings struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"max_connections"`
}

type AdminSettings struct {
	PasswordEnabled bool   `json:"password_enabled"`
	Password        string `json:"password,omitempty"`
	PasswordHash    string `json:"password_hash,omitempty"`
}

type SecuritySettings struct {
	EnableMessageFilter bool `json:"enable_message_filter"`
	MaxMessageLength    int  `json:"max_message_length"`
	HeartbeatInterval   int  `json:"heartbeat_interval"`
	HeartbeatTimeout    int  `json:"heartbeat_timeout"`
	FileExpireHours     int  `json:"file_expire_hours"`
}

type LoggingSettings struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

type DataSettings struct {
	BannedIPsFile string `json:"banned_ips_file"`
	MutedIPsFile  string `json:"muted_ips_file"`
}

// Default returns the settings used when no config file exists.
func Default() Settings {
	return Settings{
		Server: ServerSettings{
			Host:           "0.0.0.0",
			Port:           3000,
			MaxConnections: 50,
		},
		Admin: AdminSettings{
			PasswordEnabled: true,
			Password:        "admin123",
		},
		Security: SecuritySettings{
			EnableMessageFilter: true,
			MaxMessageLength:    1000,
			HeartbeatInterval:   30,
			HeartbeatTimeout:    90,
			FileExpireHours:     24,
		},
		Logging: LoggingSettings{
			Level: "INFO",
			File:  "server.log",
		},
		Data: DataSettings{
			BannedIPsFile: "banned_ips.json",
			MutedIPsFile:  "muted_ips.json",
		},
	}
}

// HeartbeatTimeout returns the timeout as a duration.
func (s Settings) HeartbeatTimeout() time.Duration {
	return time.Duration(s.Security.HeartbeatTimeout) * time.Second
}

// FileExpiry returns the upload time-to-live as a duration.
func (s Settings) FileExpiry() time.Duration {
	return time.Duration(s.Security.FileExpireHours) * time.Hour
}

// Load parses the settings file at path.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}

	s := Default()
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}
	return s, nil
}
