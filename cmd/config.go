package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/iot-cloud/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and /etc/iot-cloud/
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/iot-cloud/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Environment variables, e.g. IOT_CLOUD_HISTORIAN_DB_HOST
	viper.SetEnvPrefix("IOT_CLOUD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration. Command output goes
// to stdout, so logs are written to stderr.
func GetLogger() *slog.Logger {
	return logger.New(&logger.Config{
		Output: os.Stderr,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Format: logger.ParseFormat(viper.GetString("log.format")),
	})
}
