// Package config loads the fleet configuration from the environment. A
// .env file in the working directory is honored when present.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Binance      BinanceConfig      `json:"binance"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Vault        VaultConfig        `json:"vault"`
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Notification NotificationConfig `json:"notification"`

	// BootstrapBots are created at startup when the store holds no bots.
	BootstrapBots []BootstrapBot `json:"bootstrap_bots"`
}

// BinanceConfig holds the exchange credentials. Credentials may instead come
// from Vault; these act as the fallback.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `json:"url"`
}

// RedisConfig holds the optional position mirror settings. An empty address
// disables the mirror.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds the optional HashiCorp Vault credential source. An empty
// address disables it.
type VaultConfig struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
	ProductionMode bool   `json:"production_mode"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds the zerolog settings.
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // false renders the console writer
}

// NotificationConfig holds the admin webhook. An empty URL suppresses all
// notifications.
type NotificationConfig struct {
	WebhookURL string `json:"webhook_url"`
	ChatID     string `json:"chat_id"`
}

// BootstrapBot is one bot definition from BOOTSTRAP_BOTS.
type BootstrapBot struct {
	Name           string  `json:"name"`
	Count          int     `json:"count"`
	Symbol         string  `json:"symbol"`
	Leverage       int     `json:"leverage"`
	BalancePercent float64 `json:"balance_percent"`
	TakeProfit     float64 `json:"take_profit_percent"`
	StopLoss       float64 `json:"stop_loss_percent"`
	ROITrigger     float64 `json:"roi_trigger"`
	PyramidMax     int     `json:"pyramid_max"`
	PyramidStep    float64 `json:"pyramid_step_percent"`
	SearchMode     string  `json:"search_mode"`
	EntryMode      string  `json:"entry_mode"`
	ReverseOnStop  bool    `json:"reverse_on_stop"`
	APIKey         string  `json:"api_key"`
	SecretKey      string  `json:"secret_key"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set by the runtime.
	_ = godotenv.Load()

	cfg := &Config{
		Binance: BinanceConfig{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
			TestNet:   getEnvOrDefault("BINANCE_TESTNET", "false") == "true",
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Address:  os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},
		Vault: VaultConfig{
			Address: os.Getenv("VAULT_ADDR"),
			Token:   os.Getenv("VAULT_TOKEN"),
		},
		Server: ServerConfig{
			Host:           getEnvOrDefault("API_HOST", "0.0.0.0"),
			Port:           getEnvIntOrDefault("API_PORT", 8080),
			AllowedOrigins: os.Getenv("API_ALLOWED_ORIGINS"),
			ProductionMode: getEnvOrDefault("PRODUCTION_MODE", "false") == "true",
		},
		Logging: LoggingConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			JSONFormat: getEnvOrDefault("LOG_JSON", "true") == "true",
		},
		Notification: NotificationConfig{
			WebhookURL: os.Getenv("WEBHOOK_URL"),
			ChatID:     os.Getenv("WEBHOOK_CHAT_ID"),
		},
	}

	if raw := os.Getenv("BOOTSTRAP_BOTS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.BootstrapBots); err != nil {
			return nil, fmt.Errorf("error parsing BOOTSTRAP_BOTS: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Binance.APIKey == "" && c.Vault.Address == "" {
		return fmt.Errorf("BINANCE_API_KEY is required when Vault is not configured")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
