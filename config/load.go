package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/inkest/errors"
)

// Load reads the inkest configuration from defaults, an optional
// inkest.toml found by walking up from the working directory, and
// INKEST_-prefixed environment variables (highest precedence).
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("INKEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Sensitive values come from the environment, never the config file
	bindSensitiveEnvVars(v)

	SetDefaults(v)

	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	return LoadWithViper(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return LoadWithViper(v)
}

// LoadWithViper loads configuration from a provided Viper instance.
// Useful for tests that need an isolated instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindSensitiveEnvVars binds credential values to environment variables so
// they never need to appear in a config file on disk.
func bindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("source.app_password", "INKEST_SOURCE_APP_PASSWORD")
	v.BindEnv("extraction.api_key", "INKEST_EXTRACTION_API_KEY")
}

// findProjectConfig searches for inkest.toml by walking up the directory
// tree. Returns empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "inkest.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}
