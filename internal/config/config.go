package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration for both binaries.
type Config struct {
	Log      LogConfig
	Server   ServerConfig
	Auth     AuthConfig
	Client   ClientConfig
	Realtime RealtimeConfig
	Retry    RetryConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Port    int
	DBPath  string `mapstructure:"db_path"`
	BaseURL string `mapstructure:"base_url"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// ClientConfig is what a headless client needs to reach the backend as one
// partner.
type ClientConfig struct {
	APIURL      string `mapstructure:"api_url"`
	RealtimeURL string `mapstructure:"realtime_url"`
	AccessToken string `mapstructure:"access_token"`
	UserID      string `mapstructure:"user_id"`
	CoupleID    string `mapstructure:"couple_id"`
}

// RealtimeConfig selects the change feed transport. Mode is "websocket" or
// "broadcast".
type RealtimeConfig struct {
	Mode              string
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

const (
	ModeWebSocket = "websocket"
	ModeBroadcast = "broadcast"
)

// Load reads configuration from file and env. Env var overrides use prefix
// FINEPAIR_, with dots replaced by underscores (FINEPAIR_SERVER_PORT).
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.db_path", "finepair.db")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("client.api_url", "http://localhost:8080")
	v.SetDefault("client.realtime_url", "")
	v.SetDefault("client.access_token", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.couple_id", "")
	v.SetDefault("realtime.mode", ModeWebSocket)
	v.SetDefault("realtime.join_timeout", 10*time.Second)
	v.SetDefault("realtime.heartbeat_interval", 25*time.Second)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 200*time.Millisecond)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("FINEPAIR_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "finepair"))
		v.AddConfigPath(".")
		v.SetConfigName("finepair")
	}

	v.SetEnvPrefix("FINEPAIR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// an explicitly named file must exist and parse
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Client.RealtimeURL == "" {
		c.Client.RealtimeURL = RealtimeURLFor(c.Client.APIURL)
	}
	return c, nil
}

// RealtimeURLFor derives the WebSocket endpoint from the REST base URL.
func RealtimeURLFor(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

// ValidateServer checks the settings the backend cannot start without.
func (c Config) ValidateServer() error {
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be set to at least 16 characters (FINEPAIR_AUTH_JWT_SECRET)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ValidateClient checks the settings a client session needs.
func (c Config) ValidateClient() error {
	var missing []string
	if c.Client.APIURL == "" {
		missing = append(missing, "client.api_url")
	}
	if c.Client.AccessToken == "" {
		missing = append(missing, "client.access_token")
	}
	if c.Client.UserID == "" {
		missing = append(missing, "client.user_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}
	switch c.Realtime.Mode {
	case ModeWebSocket, ModeBroadcast:
	default:
		return fmt.Errorf("realtime.mode %q: want %s or %s", c.Realtime.Mode, ModeWebSocket, ModeBroadcast)
	}
	return nil
}
