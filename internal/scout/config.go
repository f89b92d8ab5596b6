// Package scout enumerates a repository, seeds the run manifest, and creates
// every analysis job of a run. It is the only component that touches the
// filesystem and the queue at the same time, so it owns the paused-then-resume
// sequence that makes the manifest a visible-before-work precondition.
package scout

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cartograph-io/cartographer/internal/config"
)

// DefaultConfigPath is the default location for the scan configuration file.
const DefaultConfigPath = ".cartographer.yaml"

// ConfigPathEnvVar is the environment variable for a custom config path.
const ConfigPathEnvVar = "CARTOGRAPHER_CONFIG_PATH"

// defaultExcludes covers directories that are never worth analyzing.
var defaultExcludes = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
}

// Config holds the scan settings loaded from .cartographer.yaml.
type Config struct {
	// Include lists doublestar globs a file must match to be analyzed.
	Include []string `yaml:"include"`
	// Exclude lists doublestar globs that remove files from the scan.
	Exclude []string `yaml:"exclude"`
}

// LoadConfig loads scan configuration from a YAML file at the given path.
//
// Missing file, empty file, and invalid YAML all degrade to the defaults
// (everything included, common junk directories excluded) so a scan can
// always start.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read scan config, continuing with defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		return cfg.withDefaults(), nil
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Warn("Failed to parse scan config, continuing with defaults",
				slog.String("path", path),
				slog.String("error", err.Error()))

			return (&Config{}).withDefaults(), nil
		}
	}

	return cfg.withDefaults(), nil
}

// LoadConfigFromEnv loads config from the path in CARTOGRAPHER_CONFIG_PATH,
// falling back to ".cartographer.yaml" in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

func (c *Config) withDefaults() *Config {
	if len(c.Include) == 0 {
		c.Include = []string{"**/*"}
	}

	if len(c.Exclude) == 0 {
		c.Exclude = append([]string(nil), defaultExcludes...)
	}

	return c
}
