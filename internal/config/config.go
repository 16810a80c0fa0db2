package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server      Server      `mapstructure:"server"`
	Database    Database    `mapstructure:"database"`
	Redis       Redis       `mapstructure:"redis"`
	Simulation  Simulation  `mapstructure:"simulation"`
	Leaderboard Leaderboard `mapstructure:"leaderboard"`
	Logger      Logger      `mapstructure:"logger"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port           int     `mapstructure:"port"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Database holds the configuration for PostgreSQL. An empty DSN selects
// the in-memory store.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis holds the configuration for the read-through cache. An empty URL
// disables caching.
type Redis struct {
	URL        string `mapstructure:"url"`
	CacheTTLMs int    `mapstructure:"cache_ttl_ms"`
}

// Simulation holds the auto-close loop settings.
type Simulation struct {
	AutoClose         bool `mapstructure:"auto_close"`
	AutoCloseInterval int  `mapstructure:"auto_close_interval"` // seconds
}

// Leaderboard holds the completion-signal buffer size.
type Leaderboard struct {
	SignalBuffer int `mapstructure:"signal_buffer"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level string `mapstructure:"level"`
}

// LoadConfig reads configuration from a config.yml in path, with
// environment variables overriding (SERVER_PORT, DATABASE_DSN, ...).
// A missing config file is fine; defaults and env cover everything.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.rate_limit", 50) // requests per second
	viper.SetDefault("server.rate_limit_burst", 20)
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.cache_ttl_ms", 5000)
	viper.SetDefault("simulation.auto_close", true)
	viper.SetDefault("simulation.auto_close_interval", 15)
	viper.SetDefault("leaderboard.signal_buffer", 64)
	viper.SetDefault("logger.level", "info")

	err = viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
