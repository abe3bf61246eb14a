package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config stores all process-level configuration for the pricing engine.
// The values are read by viper from a config file or environment variables.
// Pricing behavior itself (weights, tick interval, drift windows) lives in
// the database and is re-read every tick; nothing here changes a price.
type Config struct {
	Database  DatabaseConfig
	Engine    EngineConfig
	Broadcast BroadcastConfig
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
}

// URL builds the pgx connection string.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// EngineConfig defines scheduler process settings.
type EngineConfig struct {
	Workers     int    `mapstructure:"workers"`
	OpTimeoutMS int    `mapstructure:"op_timeout_ms"`
	Source      string `mapstructure:"source"`
}

// BroadcastConfig defines the websocket gateway settings.
type BroadcastConfig struct {
	Enabled    bool
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("engine.workers", 8)
	viper.SetDefault("engine.op_timeout_ms", 5000)
	viper.SetDefault("engine.source", "pricing-engine")
	viper.SetDefault("broadcast.enabled", true)
	viper.SetDefault("broadcast.listen_addr", ":8090")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
