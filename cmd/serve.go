package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-monitor/internal/api"
	"procodus.dev/sensor-monitor/internal/backend"
	"procodus.dev/sensor-monitor/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Subscribes to sensor readings and events on the broker
- Persists them to SQLite, PostgreSQL or MongoDB
- Serves the query and control HTTP API and the dashboard
- Serves a gRPC health endpoint`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("db-driver", string(store.DriverSQLite), "store driver (sqlite, postgres, mongo)")
	serveCmd.Flags().String("db-path", store.DefaultSQLitePath, "SQLite database file")
	serveCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serveCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serveCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serveCmd.Flags().String("db-password", "", "PostgreSQL password")
	serveCmd.Flags().String("db-name", "sensor_monitor", "PostgreSQL or MongoDB database name")
	serveCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serveCmd.Flags().String("mongo-uri", "", "MongoDB connection URI")
	serveCmd.Flags().Int("http-port", api.DefaultPort, "HTTP server port")
	serveCmd.Flags().Int("grpc-port", backend.DefaultGRPCPort, "gRPC health server port")
	serveCmd.Flags().StringSlice("cors-origins", nil, "allowed CORS origins (default allows all)")

	_ = viper.BindPFlag("store.driver", serveCmd.Flags().Lookup("db-driver"))
	_ = viper.BindPFlag("store.path", serveCmd.Flags().Lookup("db-path"))
	_ = viper.BindPFlag("store.host", serveCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("store.port", serveCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("store.user", serveCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("store.password", serveCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("store.name", serveCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("store.sslmode", serveCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("store.uri", serveCmd.Flags().Lookup("mongo-uri"))
	_ = viper.BindPFlag("serve.http_port", serveCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("serve.grpc_port", serveCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("serve.cors_origins", serveCmd.Flags().Lookup("cors-origins"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting backend service")

	storeCfg, err := storeConfig()
	if err != nil {
		return err
	}

	transportCfg, err := transportConfig()
	if err != nil {
		return err
	}

	config := &backend.ServerConfig{
		Logger:       logger,
		Store:        storeCfg,
		Transport:    transportCfg,
		Topics:       topics(),
		ControlTopic: viper.GetString("topics.control"),
		CORSOrigins:  viper.GetStringSlice("serve.cors_origins"),
		HTTPPort:     viper.GetInt("serve.http_port"),
		GRPCPort:     viper.GetInt("serve.grpc_port"),
	}

	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"store_driver", string(storeCfg.Driver),
		"transport", string(transportCfg.Kind),
		"data_topic", config.Topics.Data,
		"events_topic", config.Topics.Events,
		"control_topic", config.ControlTopic,
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
