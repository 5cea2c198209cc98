// Package simulator runs synthetic sensor nodes that publish readings and events over a transport.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"

	"procodus.dev/sensor-monitor/internal/decoder"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
)

// Encoding selects the payload format.
type Encoding string

// Supported encodings.
const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding converts a configuration string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case EncodingJSON, EncodingCBOR:
		return e, nil
	case "":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown encoding %q", s)
	}
}

var (
	errInvalidNodeCount   = errors.New("node count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errInvalidProbability = errors.New("probabilities must be between 0 and 1")
	errLoggerRequired     = errors.New("logger is required")
	errTransportRequired  = errors.New("transport is required")
)

// Config holds the configuration for the Simulator.
type Config struct {
	Logger    *slog.Logger
	Transport transport.Transport
	Metrics   *metrics.SimulatorMetrics // Optional metrics

	Topics decoder.Topics
	// ControlTopic, when set, is subscribed and every received command is logged by each node.
	ControlTopic string
	Encoding     Encoding

	NodeCount int
	Interval  time.Duration
	// EventProbability is the chance per tick that a node also reports an event.
	EventProbability float64
	// OmitProbability is the chance that any single measurement is left out of a reading.
	OmitProbability float64
	// Seed makes node generation reproducible. Zero is random.
	Seed uint64
}

// Simulator publishes data for a fixed set of nodes.
type Simulator struct {
	logger    *slog.Logger
	config    *Config
	transport transport.Transport
	metrics   *metrics.SimulatorMetrics
	nodes     []*Node
	wg        sync.WaitGroup
}

// New creates the simulator and its nodes.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Transport == nil {
		return nil, errTransportRequired
	}

	if cfg.NodeCount <= 0 {
		return nil, errInvalidNodeCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.EventProbability < 0 || cfg.EventProbability > 1 || cfg.OmitProbability < 0 || cfg.OmitProbability > 1 {
		return nil, errInvalidProbability
	}

	c := *cfg
	if c.Topics == (decoder.Topics{}) {
		c.Topics = decoder.DefaultTopics()
	}
	if c.Encoding == "" {
		c.Encoding = EncodingJSON
	}

	s := &Simulator{
		logger:    cfg.Logger,
		config:    &c,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		nodes:     make([]*Node, 0, cfg.NodeCount),
	}

	for i := range cfg.NodeCount {
		var seed uint64
		if c.Seed != 0 {
			seed = c.Seed + uint64(i)
		}
		n, err := NewNode(seed)
		if err != nil {
			return nil, fmt.Errorf("failed to generate node: %w", err)
		}
		s.nodes = append(s.nodes, n)

		s.logger.Info("created simulated node", "node_id", n.ID, "location", n.Location, "firmware", n.Firmware)
	}

	if s.metrics != nil {
		s.metrics.NodesGenerated.Add(float64(len(s.nodes)))
	}

	return s, nil
}

// Nodes returns the simulated nodes.
func (s *Simulator) Nodes() []*Node {
	return s.nodes
}

// Run connects the transport, starts one publisher per node and blocks until shutdown.
func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.transport.Connect(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to connect transport: %w", err), s.transport.Close())
	}

	if s.config.ControlTopic != "" {
		if err := s.transport.Subscribe(ctx, []string{s.config.ControlTopic}, s.handleCommand); err != nil {
			s.logger.Error("failed to subscribe to control topic", "topic", s.config.ControlTopic, "error", err)
		}
	}

	for _, n := range s.nodes {
		s.wg.Add(1)
		go s.runNode(ctx, n)
	}

	s.logger.Info("simulator started",
		"node_count", len(s.nodes),
		"interval", s.config.Interval,
		"encoding", string(s.config.Encoding),
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for nodes to shut down...")
	s.wg.Wait()

	if err := s.transport.Close(); err != nil {
		s.logger.Error("failed to close transport", "error", err)
		return fmt.Errorf("transport close error: %w", err)
	}

	s.logger.Info("simulator stopped")
	return nil
}

func (s *Simulator) runNode(ctx context.Context, n *Node) {
	defer s.wg.Done()

	if s.metrics != nil {
		s.metrics.ActiveNodes.Inc()
		defer s.metrics.ActiveNodes.Dec()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	log := s.logger.With("node_id", n.ID)
	log.Info("node started")

	for {
		select {
		case <-ctx.Done():
			log.Info("node shutting down")
			return

		case t := <-ticker.C:
			if err := s.Step(ctx, n, t); err != nil {
				log.Error("failed to publish", "error", err)
				continue
			}
		}
	}
}

// Step publishes one reading for n at t and, with the configured probability, one event.
func (s *Simulator) Step(ctx context.Context, n *Node, t time.Time) error {
	if err := s.publish(ctx, "reading", s.config.Topics.Data, n.Reading(t, s.config.OmitProbability)); err != nil {
		return err
	}

	if ev := n.Event(t, s.config.EventProbability); ev != nil {
		if err := s.publish(ctx, "event", s.config.Topics.Events, ev); err != nil {
			return err
		}
		s.logger.Debug("event published", "node_id", n.ID, "event", ev["event"])
	}
	return nil
}

func (s *Simulator) publish(ctx context.Context, kind, topic string, doc map[string]any) error {
	payload, err := s.encode(doc)
	if err != nil {
		s.fail(kind, "encode_error")
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	if err := s.transport.Publish(ctx, topic, payload); err != nil {
		s.fail(kind, "publish_error")
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	if s.metrics != nil {
		s.metrics.MessagesGenerated.WithLabelValues(kind).Inc()
	}
	return nil
}

func (s *Simulator) encode(doc map[string]any) ([]byte, error) {
	if s.config.Encoding == EncodingCBOR {
		return cbor.Marshal(doc)
	}
	return json.Marshal(doc)
}

func (s *Simulator) fail(kind, reason string) {
	if s.metrics != nil {
		s.metrics.GenerationFailures.WithLabelValues(kind, reason).Inc()
	}
}

// handleCommand logs a control command once per node; delivery is a broadcast.
func (s *Simulator) handleCommand(_ context.Context, msg transport.Message) {
	if s.metrics != nil {
		s.metrics.CommandsReceived.Inc()
	}
	for _, n := range s.nodes {
		s.logger.Info("command received", "node_id", n.ID, "command", string(msg.Payload))
	}
}
