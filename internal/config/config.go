package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	MongoDB MongoDBConfig
	Log     LogConfig
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type LogConfig struct {
	Level string
}

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetDefault("MONGODB_DATABASE", "docstream")
	viper.SetDefault("MONGODB_TIMEOUT", 10)
	viper.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		MongoDB: MongoDBConfig{
			URI:      viper.GetString("MONGODB_URI"),
			Database: viper.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(viper.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Log: LogConfig{
			Level: viper.GetString("LOG_LEVEL"),
		},
	}

	if cfg.MongoDB.URI == "" {
		return nil, fmt.Errorf("environment variable MONGODB_URI is required")
	}

	return cfg, nil
}
