package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-monitor/internal/command"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send-command <node-id> <command>",
	Short: "Publish a control command",
	Long: `Publish a control command on the control topic.
Every node listening on the topic receives it; the node id is recorded in logs only.`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().Duration("timeout", 10*time.Second, "time allowed to connect and publish")
	_ = viper.BindPFlag("send.timeout", sendCmd.Flags().Lookup("timeout"))
}

func runSend(cmd *cobra.Command, args []string) error {
	log := GetLogger()

	transportCfg, err := transportConfig()
	if err != nil {
		return err
	}
	transportCfg.Logger = logger.WithComponent(log, "transport")

	tr, err := transport.New(transportCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error("failed to close transport", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("send.timeout"))
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	dispatcher, err := command.NewDispatcher(&command.Config{
		Logger:    logger.WithComponent(log, "command"),
		Publisher: tr,
		Topic:     viper.GetString("topics.control"),
	})
	if err != nil {
		return err
	}

	ack, err := dispatcher.Send(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "command sent: %s (id %s, topic %s)\n", ack.Command, ack.ID, ack.Topic)
	return nil
}
