// Package command sends control strings to devices over the transport.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"procodus.dev/sensor-monitor/internal/validation"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
)

// DefaultTopic is the control topic devices listen on.
const DefaultTopic = "sensors/control"

// ErrDispatch is returned when the transport refuses a command.
var ErrDispatch = errors.New("command dispatch failed")

// Publisher is the part of transport.Transport the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config holds the configuration for the Dispatcher.
type Config struct {
	Logger    *slog.Logger
	Publisher Publisher
	Metrics   *metrics.BackendMetrics // Optional metrics
	// Topic defaults to DefaultTopic.
	Topic string
}

// Ack describes a command accepted by the transport.
// Every device on the control topic receives the command; NodeID is informational.
type Ack struct {
	SentAt  time.Time `json:"sent_at"`
	NodeID  string    `json:"node_id"`
	Command string    `json:"command"`
	Topic   string    `json:"topic"`
	ID      uuid.UUID `json:"id"`
}

// Dispatcher publishes commands on the control topic.
type Dispatcher struct {
	logger    *slog.Logger
	publisher Publisher
	metrics   *metrics.BackendMetrics
	topic     string
}

// NewDispatcher creates a new Dispatcher instance.
func NewDispatcher(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	return &Dispatcher{
		logger:    cfg.Logger,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		topic:     topic,
	}, nil
}

// Topic returns the control topic.
func (d *Dispatcher) Topic() string {
	return d.topic
}

// Send publishes command verbatim on the control topic exactly once.
func (d *Dispatcher) Send(ctx context.Context, nodeID, command string) (*Ack, error) {
	if strings.TrimSpace(nodeID) == "" {
		return nil, d.reject(validation.New("node_id", "is required"))
	}
	if command == "" {
		return nil, d.reject(validation.New("command", "is required"))
	}

	ack := &Ack{
		ID:      uuid.New(),
		NodeID:  nodeID,
		Command: command,
		Topic:   d.topic,
	}
	log := d.logger.With("command_id", ack.ID.String(), "node_id", nodeID, "command", command)

	if err := d.publisher.Publish(ctx, d.topic, []byte(command)); err != nil {
		log.Error("Failed to dispatch command", "topic", d.topic, "error", err)
		d.count("error")
		return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	ack.SentAt = time.Now().UTC()
	log.Info("Command dispatched", "topic", d.topic)
	d.count("success")
	return ack, nil
}

func (d *Dispatcher) reject(err error) error {
	d.logger.Debug("rejected command", "error", err)
	d.count("rejected")
	return err
}

func (d *Dispatcher) count(status string) {
	if d.metrics != nil {
		d.metrics.CommandsTotal.WithLabelValues(status).Inc()
	}
}

// Ensure transport.Transport satisfies Publisher.
var _ Publisher = (transport.Transport)(nil)
