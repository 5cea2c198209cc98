package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

const disconnectQuiesce = 250 // milliseconds

type mqttSubscription struct {
	ctx     context.Context
	handler Handler
	topics  []string
}

// MQTT is a Transport over an MQTT 3.1.1 broker. paho handles reconnection and the
// subscriptions are restored from the on-connect callback.
type MQTT struct {
	client  mqtt.Client
	logger  *slog.Logger
	metrics *metrics.TransportMetrics
	obs     publishObserver
	state   stateBox
	subs    []mqttSubscription
	mu      sync.Mutex
	qos     byte
}

// NewMQTT builds an MQTT transport.
func NewMQTT(cfg *Config) (*MQTT, error) {
	if cfg == nil {
		return nil, errors.New("transport config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	url := cfg.URL
	if url == "" {
		url = DefaultMQTTURL
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sensor-monitor-" + uuid.NewString()[:8]
	}

	qos := cfg.QoS
	if qos > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", qos)
	}

	t := &MQTT{
		logger:  cfg.Logger.With("transport", string(KindMQTT)),
		metrics: cfg.Metrics,
		obs:     publishObserver{metrics: cfg.Metrics, kind: KindMQTT},
		qos:     qos,
	}
	t.state.metrics = cfg.Metrics
	t.state.kind = KindMQTT

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetOrderMatters(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true)

	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.state.set(StateConnecting)
		t.logger.Error("MQTT connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		t.obs.reconnect()
		t.logger.Info("attempting to reconnect")
	})

	t.client = mqtt.NewClient(opts)
	return t, nil
}

func (t *MQTT) onConnect(c mqtt.Client) {
	t.mu.Lock()
	subs := append([]mqttSubscription(nil), t.subs...)
	t.mu.Unlock()

	for _, s := range subs {
		if err := t.subscribe(s); err != nil {
			t.logger.Error("failed to restore subscription", "topics", s.topics, "error", err)
		}
	}

	t.state.set(StateReady)
	t.logger.Info("connected", "subscriptions", len(subs))
}

// Connect implements Transport.
func (t *MQTT) Connect(ctx context.Context) error {
	if t.state.load() == StateClosed {
		return ErrClosed
	}

	t.logger.Info("attempting to connect")
	token := t.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Subscribe implements Transport.
func (t *MQTT) Subscribe(ctx context.Context, topics []string, h Handler) error {
	if t.state.load() == StateClosed {
		return ErrClosed
	}

	s := mqttSubscription{ctx: ctx, topics: topics, handler: h}
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	if !t.client.IsConnectionOpen() {
		// Registered; onConnect subscribes once the connection is up.
		return nil
	}
	return t.subscribe(s)
}

func (t *MQTT) subscribe(s mqttSubscription) error {
	filters := make(map[string]byte, len(s.topics))
	for _, topic := range s.topics {
		filters[topic] = t.qos
	}

	token := t.client.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		t.obs.received(m.Topic())
		s.handler(s.ctx, Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if err := waitToken(s.ctx, token); err != nil {
		return fmt.Errorf("mqtt subscribe %v: %w", s.topics, err)
	}

	t.logger.Info("subscribed", "topics", s.topics)
	return nil
}

// Publish implements Transport.
func (t *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	switch t.state.load() {
	case StateClosed:
		return ErrClosed
	case StateConnecting:
		t.obs.failure(topic, "not_connected")
		return ErrNotConnected
	}

	if t.metrics != nil {
		timer := prometheus.NewTimer(t.metrics.PublishDuration.WithLabelValues(string(KindMQTT)))
		defer timer.ObserveDuration()
	}

	token := t.client.Publish(topic, t.qos, false, payload)
	if err := waitToken(ctx, token); err != nil {
		t.obs.failure(topic, "publish_error")
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}

	t.obs.success(topic)
	return nil
}

// State implements Transport.
func (t *MQTT) State() State {
	return t.state.load()
}

// Close disconnects from the broker. Subsequent calls are no-ops.
func (t *MQTT) Close() error {
	if t.state.load() == StateClosed {
		return nil
	}
	t.state.set(StateClosed)

	t.client.Disconnect(disconnectQuiesce)
	t.logger.Info("disconnected")
	return nil
}

// waitToken waits for a paho token or ctx, whichever finishes first.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
