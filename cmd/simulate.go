package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-monitor/internal/simulator"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated sensor nodes",
	Long: `Run simulated sensor nodes that:
- Publish correlated temperature, humidity, pressure, altitude and air quality readings
- Occasionally leave out measurements
- Publish discrete events with a configurable probability
- Log control commands they receive`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("nodes", 5, "number of simulated nodes")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "interval between readings of one node")
	simulateCmd.Flags().Float64("event-probability", 0.1, "chance per reading that a node also reports an event")
	simulateCmd.Flags().Float64("omit-probability", 0.05, "chance that a measurement is left out of a reading")
	simulateCmd.Flags().String("encoding", string(simulator.EncodingJSON), "payload encoding (json, cbor)")
	simulateCmd.Flags().Uint64("seed", 0, "seed for reproducible nodes (0 is random)")

	_ = viper.BindPFlag("simulate.nodes", simulateCmd.Flags().Lookup("nodes"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulate.event_probability", simulateCmd.Flags().Lookup("event-probability"))
	_ = viper.BindPFlag("simulate.omit_probability", simulateCmd.Flags().Lookup("omit-probability"))
	_ = viper.BindPFlag("simulate.encoding", simulateCmd.Flags().Lookup("encoding"))
	_ = viper.BindPFlag("simulate.seed", simulateCmd.Flags().Lookup("seed"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	log := GetLogger()
	log.Info("starting simulator")

	encoding, err := simulator.ParseEncoding(viper.GetString("simulate.encoding"))
	if err != nil {
		return err
	}

	transportCfg, err := transportConfig()
	if err != nil {
		return err
	}
	transportCfg.Logger = logger.WithComponent(log, "transport")
	transportCfg.Metrics = metrics.NewTransportMetrics(nil, metrics.Namespace)

	tr, err := transport.New(transportCfg)
	if err != nil {
		return err
	}

	config := &simulator.Config{
		Logger:           logger.WithComponent(log, "simulator"),
		Transport:        tr,
		Metrics:          metrics.NewSimulatorMetrics(nil, metrics.Namespace),
		Topics:           topics(),
		ControlTopic:     viper.GetString("topics.control"),
		Encoding:         encoding,
		NodeCount:        viper.GetInt("simulate.nodes"),
		Interval:         viper.GetDuration("simulate.interval"),
		EventProbability: viper.GetFloat64("simulate.event_probability"),
		OmitProbability:  viper.GetFloat64("simulate.omit_probability"),
		Seed:             viper.GetUint64("simulate.seed"),
	}

	sim, err := simulator.New(config)
	if err != nil {
		log.Error("failed to create simulator", "error", err)
		return err
	}

	if err := sim.Run(context.Background()); err != nil {
		log.Error("simulator error", "error", err)
		return err
	}

	log.Info("simulator stopped")
	return nil
}
