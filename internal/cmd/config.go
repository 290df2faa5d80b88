package main

import (
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration. File values can be overridden by
// DUET_* environment variables.
type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.NATS.URL = nats.DefaultURL

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment are enough to run.
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Server.Port = getEnv("DUET_PORT", cfg.Server.Port)
	cfg.NATS.URL = getEnv("DUET_NATS_URL", cfg.NATS.URL)
	return &cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
