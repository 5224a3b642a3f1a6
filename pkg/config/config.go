// Copyright 2025 The fleetcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the fleetcore
// service: the broker connection, the cache backend selection, and the
// metrics endpoint.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/gmbnd/fleetcore/pkg/cache"
)

// CacheBackend selects the registration cache implementation.
type CacheBackend string

const (
	// CacheMemory is the in-process default.
	CacheMemory CacheBackend = "memory"
	// CachePostgres is the durable backend.
	CachePostgres CacheBackend = "postgres"
)

// CoreConfig holds the ingestion core settings.
type CoreConfig struct {
	BrokerURL    string               `yaml:"broker_url" json:"broker_url"`
	ClientID     string               `yaml:"client_id" json:"client_id"`
	MetricsPort  string               `yaml:"metrics_port" json:"metrics_port"`
	CacheBackend CacheBackend         `yaml:"cache_backend" json:"cache_backend"`
	Postgres     cache.PostgresConfig `yaml:"postgres" json:"postgres"`
	LogLevel     string               `yaml:"log_level" json:"log_level"`
}

// Config holds the complete configuration.
type Config struct {
	Core CoreConfig `yaml:"core" json:"core"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			BrokerURL:    "tcp://localhost:1883",
			ClientID:     "fleetcore",
			MetricsPort:  ":8082",
			CacheBackend: CacheMemory,
			Postgres:     cache.DefaultPostgresConfig(),
			LogLevel:     "info",
		},
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Core.BrokerURL == "" {
		return fmt.Errorf("broker_url cannot be empty")
	}
	if config.Core.ClientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}

	switch config.Core.CacheBackend {
	case CacheMemory:
	case CachePostgres:
		pg := config.Core.Postgres
		if pg.Host == "" {
			return fmt.Errorf("postgres.host cannot be empty")
		}
		if pg.Port <= 0 || pg.Port > 65535 {
			return fmt.Errorf("postgres.port must be in (0, 65535]")
		}
		if pg.Database == "" {
			return fmt.Errorf("postgres.database cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s (supported: memory, postgres)", config.Core.CacheBackend)
	}

	switch config.Core.LogLevel {
	case "", "error", "warn", "info", "http", "verbose", "debug", "silly":
	default:
		return fmt.Errorf("unsupported log level: %s", config.Core.LogLevel)
	}
	return nil
}
