// Package ingest runs the subscriber side of the system: every message on the data and event topics
// is decoded and persisted, or logged and dropped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensor-monitor/internal/decoder"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/metrics"
	"procodus.dev/sensor-monitor/pkg/transport"
)

// Writer is the part of store.Store the pipeline needs.
type Writer interface {
	InsertReading(ctx context.Context, r *store.Reading) (uint64, error)
	InsertEvent(ctx context.Context, e *store.Event) (uint64, error)
}

// ErrStopped is returned by Process after Stop.
var ErrStopped = errors.New("pipeline is stopped")

// Config holds the configuration for the Pipeline.
type Config struct {
	Logger    *slog.Logger
	Transport transport.Transport
	Store     Writer
	Decoder   *decoder.Decoder
	Metrics   *metrics.BackendMetrics // Optional metrics
}

// Pipeline decodes inbound messages and writes them to the store.
// One failed message never affects the next.
type Pipeline struct {
	logger    *slog.Logger
	transport transport.Transport
	store     Writer
	decoder   *decoder.Decoder
	metrics   *metrics.BackendMetrics
	// mu is held for reading while a message is processed and for writing by Stop.
	mu      sync.RWMutex
	stopped bool
}

// NewPipeline creates a new Pipeline instance.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Decoder == nil {
		return nil, errors.New("decoder cannot be nil")
	}

	return &Pipeline{
		logger:    cfg.Logger,
		transport: cfg.Transport,
		store:     cfg.Store,
		decoder:   cfg.Decoder,
		metrics:   cfg.Metrics,
	}, nil
}

// Start subscribes to the data and event topics. Messages are handled until ctx is done or Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	topics := p.decoder.Topics()
	subscribed := []string{topics.Data, topics.Events}

	p.logger.Info("starting ingestion pipeline", "topics", subscribed)

	if err := p.transport.Subscribe(ctx, subscribed, p.Handle); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if p.metrics != nil {
		p.metrics.ActiveSubscriptions.Set(float64(len(subscribed)))
	}

	p.logger.Info("ingestion pipeline started, waiting for messages")
	return nil
}

// Handle is the transport.Handler for inbound messages. Errors are logged, never returned.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) {
	_ = p.Process(ctx, msg)
}

// Process decodes and persists one message and reports what happened to it.
// A panic while handling the message is recovered and returned as an error.
func (p *Pipeline) Process(ctx context.Context, msg transport.Message) (err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	log := p.logger.With("msg_id", uuid.NewString(), "topic", msg.Topic)

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.IngestDuration.WithLabelValues(msg.Topic))
		defer timer.ObserveDuration()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling message: %v", r)
			log.Error("recovered from panic while handling message", "panic", r)
			p.count(msg.Topic, metrics.OutcomePanic)
		}
	}()

	log.Debug("message received", "bytes", len(msg.Payload))

	decoded, err := p.decoder.Decode(msg.Topic, msg.Payload)
	if err != nil {
		var de *decoder.Error
		if errors.As(err, &de) {
			log.Warn("discarding message", "kind", string(de.Kind), "field", de.Field, "error", err)
		} else {
			log.Warn("discarding message", "error", err)
		}
		p.count(msg.Topic, metrics.OutcomeDecodeError)
		return err
	}

	log = log.With("node_id", decoded.NodeID())

	switch {
	case decoded.Reading != nil:
		var id uint64
		id, err = p.store.InsertReading(ctx, decoded.Reading)
		if err == nil {
			log.Info("reading stored", "id", id)
		}
	case decoded.Event != nil:
		var id uint64
		id, err = p.store.InsertEvent(ctx, decoded.Event)
		if err == nil {
			log.Info("event stored", "id", id, "event_type", decoded.Event.EventType)
		}
	}

	if err != nil {
		log.Error("failed to store message", "error", err)
		p.count(msg.Topic, metrics.OutcomeStoreError)
		return err
	}

	p.count(msg.Topic, metrics.OutcomeStored)
	return nil
}

func (p *Pipeline) count(topic, outcome string) {
	if p.metrics != nil {
		p.metrics.IngestMessagesTotal.WithLabelValues(topic, outcome).Inc()
	}
}

// Stop waits for the message in flight, if any, and drops everything delivered afterwards.
func (p *Pipeline) Stop() error {
	p.logger.Info("stopping ingestion pipeline")

	start := time.Now()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ActiveSubscriptions.Set(0)
	}

	p.logger.Info("ingestion pipeline stopped", "waited", time.Since(start))
	return nil
}
