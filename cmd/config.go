package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"procodus.dev/sensor-monitor/internal/decoder"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/transport"
)

// EnvPrefix prefixes every environment variable read by the CLI.
const EnvPrefix = "SENSOR_MONITOR"

// InitConfig initializes Viper configuration.
// A .env file in the working directory is loaded first, then the config file and environment variables.
func InitConfig(cfgFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sensor-monitor/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

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

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	return logger.New(&logger.Config{
		Output: os.Stdout,
		Level:  logger.ParseLevel(viper.GetString("log.level")),
		Format: logger.ParseFormat(viper.GetString("log.format")),
	})
}

// transportConfig builds the transport configuration. Logger and metrics are left to the caller.
func transportConfig() (*transport.Config, error) {
	kind, err := transport.ParseKind(viper.GetString("transport.kind"))
	if err != nil {
		return nil, err
	}

	qos := viper.GetInt("transport.qos")
	if qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", qos)
	}

	return &transport.Config{
		Kind:     kind,
		URL:      viper.GetString("transport.url"),
		ClientID: viper.GetString("transport.client_id"),
		Exchange: viper.GetString("transport.exchange"),
		Queue:    viper.GetString("transport.queue"),
		QoS:      byte(qos),
	}, nil
}

// storeConfig builds the store configuration. Logger and metrics are left to the caller.
func storeConfig() (*store.Config, error) {
	driver, err := store.ParseDriver(viper.GetString("store.driver"))
	if err != nil {
		return nil, err
	}

	return &store.Config{
		Driver:   driver,
		Path:     viper.GetString("store.path"),
		Host:     viper.GetString("store.host"),
		Port:     viper.GetInt("store.port"),
		User:     viper.GetString("store.user"),
		Password: viper.GetString("store.password"),
		DBName:   viper.GetString("store.name"),
		SSLMode:  viper.GetString("store.sslmode"),
		URI:      viper.GetString("store.uri"),
	}, nil
}

func topics() decoder.Topics {
	return decoder.Topics{
		Data:   viper.GetString("topics.data"),
		Events: viper.GetString("topics.events"),
	}
}

// redacted returns the settings with secrets masked.
func redacted(settings map[string]any) map[string]any {
	secrets := map[string]bool{"password": true, "uri": true, "url": true}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		switch val := v.(type) {
		case map[string]any:
			out[k] = redacted(val)
		case string:
			if secrets[k] && val != "" {
				out[k] = "********"
				continue
			}
			out[k] = val
		default:
			out[k] = v
		}
	}
	return out
}
