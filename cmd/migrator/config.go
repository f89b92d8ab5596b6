package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cartograph-io/cartographer/internal/config"
)

// Sentinel errors for configuration validation.
var (
	ErrDatabaseURLRequired    = errors.New("DATABASE_URL cannot be empty")
	ErrMigrationTableRequired = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds everything the migration tool needs.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate uses to track applied versions.
	MigrationTable string
}

// LoadConfig loads migrator configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseURLRequired
	}

	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMigrationTableRequired
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// maskDatabaseURL hides the password portion of a connection string.
func maskDatabaseURL(url string) string {
	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	// Use the last "@" before the path so passwords containing "@" mask fully.
	authority := afterScheme
	if slash := strings.IndexAny(afterScheme, "/?#"); slash != -1 {
		authority = afterScheme[:slash]
	}

	atIndex := strings.LastIndex(authority, "@")
	if atIndex == -1 {
		return url
	}

	userInfo := authority[:atIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 || colonIndex == len(userInfo)-1 {
		return url
	}

	prefix := url[:schemeEnd+3]

	return prefix + userInfo[:colonIndex+1] + "***" + afterScheme[atIndex:]
}
