// Package main provides the sensor-monitor CLI.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/internal/decoder"
	"procodus.dev/sensor-monitor/pkg/transport"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "sensor-monitor",
		Short: "Sensor telemetry ingestion and monitoring",
		Long: `Collects telemetry from distributed sensor nodes over MQTT, AMQP or NATS:
- serve: ingest readings and events, store them and serve the query API
- simulate: run synthetic sensor nodes
- send-command: publish a control command to the nodes
- config: print the effective configuration`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/sensor-monitor/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")

	// Transport and topics are shared by every command that talks to the broker.
	flags.String("transport", string(transport.KindMQTT), "pub/sub transport (mqtt, amqp, nats)")
	flags.String("broker-url", "", "broker URL (default depends on transport)")
	flags.String("client-id", "", "MQTT client id (default is random)")
	flags.String("exchange", transport.DefaultExchange, "AMQP topic exchange")
	flags.String("queue", "", "durable AMQP queue name (default is a private queue)")
	flags.Int("qos", 1, "MQTT quality of service")
	flags.String("data-topic", decoder.DefaultDataTopic, "topic for sensor readings")
	flags.String("events-topic", decoder.DefaultEventsTopic, "topic for sensor events")
	flags.String("control-topic", command.DefaultTopic, "topic for control commands")

	bindings := map[string]string{
		"log.level":           "log-level",
		"log.format":          "log-format",
		"transport.kind":      "transport",
		"transport.url":       "broker-url",
		"transport.client_id": "client-id",
		"transport.exchange":  "exchange",
		"transport.queue":     "queue",
		"transport.qos":       "qos",
		"topics.data":         "data-topic",
		"topics.events":       "events-topic",
		"topics.control":      "control-topic",
	}
	if err := bindFlags(flags, bindings); err != nil {
		log.Fatal(err)
	}
}

// bindFlags binds each viper key to the named flag of fs.
func bindFlags(fs *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q is not defined", name)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", name, err)
		}
	}
	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
