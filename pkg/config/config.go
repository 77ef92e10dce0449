// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads Kittiwake configuration from the environment.
//
// Every setting has a default suitable for a local compose stack, so a
// bare `kittiwake` starts against localhost MySQL/ClickHouse/Redis.
// A .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration of the process.
type Config struct {
	GatewayPort string

	MySQL      MySQLConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig

	// SourcemapStoragePath is the root for uploaded source maps
	// (<root>/sourcemaps/<projectId>/...).
	SourcemapStoragePath string

	// SourcemapTTL bounds how long source-map files are retained.
	SourcemapTTL time.Duration

	// SourceArchivePath is the root for versioned source archives
	// (<root>/source-code/<projectId>/<version>/<archiveName>).
	SourceArchivePath string

	// AIDiagnosisEnabled gates the ai-diagnosis queue workers.
	AIDiagnosisEnabled bool

	// AuthToken protects the management API. Empty means local mode:
	// every bearer is accepted. /monitor/report always authenticates
	// by project apiKey instead.
	AuthToken string

	// OTLPEndpoint enables tracing when non-empty.
	OTLPEndpoint string
}

// MySQLConfig configures the relational metadata store.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the go-sql-driver connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig configures the columnar log store.
type ClickHouseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Addr renders the native-protocol address.
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig configures the queue fabric backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr renders host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from the environment, honoring a .env file
// in the working directory when one exists.
func Load() Config {
	// Missing .env is the normal case in containers.
	_ = godotenv.Load()

	return Config{
		GatewayPort: getEnv("GATEWAY_PORT", "12210"),
		MySQL: MySQLConfig{
			Host:     getEnv("MYSQL_HOST", "localhost"),
			Port:     getEnvInt("MYSQL_PORT", 3306),
			User:     getEnv("MYSQL_USER", "kittiwake"),
			Password: getEnv("MYSQL_PASSWORD", ""),
			Database: getEnv("MYSQL_DATABASE", "kittiwake"),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			User:     getEnv("CLICKHOUSE_USER", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "kittiwake"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		SourcemapStoragePath: getEnv("SOURCEMAP_STORAGE_PATH", "/var/lib/kittiwake/storage"),
		SourcemapTTL:         time.Duration(getEnvInt("SOURCEMAP_STORAGE_TTL", 2592000)) * time.Second,
		SourceArchivePath:    getEnv("SOURCE_ARCHIVE_PATH", "/var/lib/kittiwake/storage/source-code"),
		AIDiagnosisEnabled:   getEnvBool("AI_DIAGNOSIS_ENABLED", true),
		AuthToken:            os.Getenv("GATEWAY_AUTH_TOKEN"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
