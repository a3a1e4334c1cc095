// Package config handles configuration loading, validation, and
// persistence for the chat server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultChatPort  = 5001
	DefaultVoicePort = 2090
	DefaultAPIPort   = 8080
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server      ServerConfig      `json:"server"`
	Auth        AuthConfig        `json:"auth"`
	Database    DatabaseConfig    `json:"database"`
	Application ApplicationConfig `json:"application"`
}

// ServerConfig holds listener addresses and protocol settings.
type ServerConfig struct {
	BindAddress string `json:"bind_address"`
	ChatPort    int    `json:"chat_port"`
	VoicePort   int    `json:"voice_port"`
	APIPort     int    `json:"api_port"`
	Banner      string `json:"banner"`

	// VoiceMaxFrame caps the declared length of a relayed voice frame.
	// Frames above the cap are logged and dropped instead of forwarded.
	VoiceMaxFrame int `json:"voice_max_frame_bytes"`
}

// AuthConfig holds the authentication handshake policy knobs. Both the
// retry bound and the timeout are policy, not protocol, so they live in
// configuration rather than code.
type AuthConfig struct {
	LoginMaxAttempts    int `json:"login_max_attempts"`
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`
	ChallengeVariant    int `json:"challenge_variant"`
}

// DatabaseConfig holds the repository settings.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ApplicationConfig groups operational settings.
type ApplicationConfig struct {
	Timers   TimerConfig    `json:"timers"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds background task intervals.
type TimerConfig struct {
	StaleSweepIntervalSec int `json:"stale_sweep_interval_sec"`
	StaleConnTimeoutSec   int `json:"stale_conn_timeout_sec"`
	StatsIntervalSec      int `json:"stats_interval_sec"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
}

// SecurityConfig holds admin API security settings.
type SecurityConfig struct {
	AdminToken     string   `json:"admin_token"`
	AllowedOrigins []string `json:"allowed_origins"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:   "0.0.0.0",
			ChatPort:      DefaultChatPort,
			VoicePort:     DefaultVoicePort,
			APIPort:       DefaultAPIPort,
			Banner:        "paltalk-go",
			VoiceMaxFrame: 64 * 1024,
		},
		Auth: AuthConfig{
			LoginMaxAttempts:    3,
			HandshakeTimeoutSec: 30,
			ChallengeVariant:    1,
		},
		Database: DatabaseConfig{
			Path: "config/paltalk.db",
		},
		Application: ApplicationConfig{
			Timers: TimerConfig{
				StaleSweepIntervalSec: 60,
				StaleConnTimeoutSec:   300,
				StatsIntervalSec:      30,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    1883,
			},
			Security: SecurityConfig{},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating the default file
// on first run. Values present in the file overlay the defaults, so new
// fields added in code updates keep working with old config files.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always reflects the complete option set.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetAuth returns a copy of the auth policy configuration.
func (c *Config) GetAuth() AuthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth
}

// GetApplication returns a copy of the application configuration.
func (c *Config) GetApplication() ApplicationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Application
}

// UpdateServerField updates one field of the server section by JSON key.
func (c *Config) UpdateServerField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Server)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown server config key %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.Server); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
