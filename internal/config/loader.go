// Package config provides configuration loading for OnGarde.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, ongarde.yaml/.yml is searched in the
// standard locations. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found: set name/type so ReadInConfig reports
		// ConfigFileNotFoundError, which callers handle gracefully.
		viper.SetConfigName("ongarde")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: ONGARDE_SERVER_ADDR, etc.
	viper.SetEnvPrefix("ONGARDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches the standard locations for ongarde.yaml or
// ongarde.yml and returns the first match.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".ongarde"),
		"/etc/ongarde",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "ongarde"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the nested config keys for environment variable
// support. Array-valued keys (auth.keys, scanner.worker_command) are
// config-file only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("upstream.openai")
	_ = viper.BindEnv("upstream.anthropic")

	_ = viper.BindEnv("scanner.mode")
	_ = viper.BindEnv("scanner.sync_cap")
	_ = viper.BindEnv("scanner.timeout_ms")
	_ = viper.BindEnv("scanner.enable_person_detection")

	_ = viper.BindEnv("allowlist.path")
	_ = viper.BindEnv("allowlist.watch")

	_ = viper.BindEnv("audit.enabled")
	_ = viper.BindEnv("audit.db_path")
	_ = viper.BindEnv("audit.channel_size")

	_ = viper.BindEnv("telemetry.traces_enabled")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates. A missing config file is not an error:
// environment-only configuration is supported.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// in environment-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
