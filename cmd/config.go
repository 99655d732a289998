package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agrisense.dev/soil-monitor/pkg/logger"
)

const defaultTimezone = "Asia/Manila"

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/agrisense/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// AGRISENSE_BACKEND_DB_HOST overrides backend.db.host.
	viper.SetEnvPrefix("AGRISENSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	cfg := &logger.Config{
		Output: os.Stdout,
		Level:  logger.ParseLevel(strings.ToLower(viper.GetString("log.level"))),
	}

	if path := viper.GetString("log.file"); path != "" {
		cfg.File = &logger.FileConfig{
			Path:       path,
			MaxSizeMB:  viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
			MaxAgeDays: viper.GetInt("log.max_age_days"),
			Compress:   viper.GetBool("log.compress"),
		}
	}

	return logger.New(cfg)
}

// GetLocation loads the time zone that defines the calendar day.
func GetLocation(key string) (*time.Location, error) {
	name := viper.GetString(key)
	if name == "" {
		name = defaultTimezone
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
