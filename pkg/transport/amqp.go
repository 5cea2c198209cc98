package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second
)

var errNotAcknowledged = errors.New("publish not acknowledged by broker")

type amqpSubscription struct {
	ctx     context.Context
	handler Handler
	index   topicIndex
	topics  []string
	// mu keeps handler calls serial across a channel re-init.
	mu sync.Mutex
}

// AMQP is a Transport over a RabbitMQ topic exchange. It reconnects on its own,
// re-declaring the exchange and restarting every consumer after each reconnect.
type AMQP struct {
	m               *sync.Mutex
	publishMu       sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	ready           chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	metrics         *metrics.TransportMetrics // Optional metrics
	obs             publishObserver
	state           stateBox
	subs            []*amqpSubscription
	url             string
	exchange        string
	queue           string
	startOnce       sync.Once
	readyOnce       sync.Once
	closeOnce       sync.Once
}

// NewAMQP builds an AMQP transport. Connect starts the connection loop.
func NewAMQP(cfg *Config) (*AMQP, error) {
	if cfg == nil {
		return nil, errors.New("transport config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	url := cfg.URL
	if url == "" {
		url = DefaultAMQPURL
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	t := &AMQP{
		m:        &sync.Mutex{},
		logger:   cfg.Logger.With("transport", string(KindAMQP), "exchange", exchange),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		metrics:  cfg.Metrics,
		obs:      publishObserver{metrics: cfg.Metrics, kind: KindAMQP},
		url:      url,
		exchange: exchange,
		queue:    cfg.Queue,
	}
	t.state.metrics = cfg.Metrics
	t.state.kind = KindAMQP
	return t, nil
}

// Connect implements Transport.
func (t *AMQP) Connect(ctx context.Context) error {
	if t.state.load() == StateClosed {
		return ErrClosed
	}

	t.startOnce.Do(func() { go t.handleReconnect() })

	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("amqp connect: %w", ctx.Err())
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (t *AMQP) handleReconnect() {
	for {
		t.state.set(StateConnecting)
		t.logger.Info("attempting to connect")
		t.obs.reconnect()

		conn, err := t.connect()
		if err != nil {
			t.logger.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-t.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := t.handleReInit(conn); done {
			return
		}
	}
}

// connect will create a new AMQP connection.
func (t *AMQP) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, err
	}

	t.m.Lock()
	t.connection = conn
	t.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(t.notifyConnClose)
	t.m.Unlock()

	t.logger.Info("connected")
	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (t *AMQP) handleReInit(conn *amqp.Connection) bool {
	for {
		t.state.set(StateConnecting)

		err := t.init(conn)
		if err != nil {
			t.logger.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-t.done:
				return true
			case <-t.notifyConnClose:
				t.logger.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-t.done:
			return true
		case <-t.notifyConnClose:
			t.logger.Info("connection closed, reconnecting...")
			return false
		case <-t.notifyChanClose:
			t.logger.Info("channel closed, re-running init...")
		}
	}
}

// init opens a confirm-mode channel, declares the exchange and restarts consumers.
func (t *AMQP) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	err = ch.ExchangeDeclare(
		t.exchange,
		amqp.ExchangeTopic,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return err
	}

	if err := ch.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return err
	}

	t.m.Lock()
	t.channel = ch
	t.notifyChanClose = make(chan *amqp.Error, 1)
	t.notifyConfirm = make(chan amqp.Confirmation, 1)
	ch.NotifyClose(t.notifyChanClose)
	ch.NotifyPublish(t.notifyConfirm)
	subs := append([]*amqpSubscription(nil), t.subs...)
	t.m.Unlock()

	for _, s := range subs {
		if err := t.consume(ch, s); err != nil {
			return fmt.Errorf("restore subscription %v: %w", s.topics, err)
		}
	}

	t.state.set(StateReady)
	t.readyOnce.Do(func() { close(t.ready) })
	t.logger.Info("client init done", "subscriptions", len(subs))
	return nil
}

// consume declares and binds the subscription queue, then delivers from it until the channel closes.
func (t *AMQP) consume(ch *amqp.Channel, s *amqpSubscription) error {
	durable := t.queue != ""
	q, err := ch.QueueDeclare(
		t.queue,
		durable,  // Durable
		!durable, // Delete when unused
		!durable, // Exclusive
		false,    // No-wait
		nil,      // Arguments
	)
	if err != nil {
		return err
	}

	for _, topic := range s.topics {
		if err := ch.QueueBind(q.Name, ToDotted(topic), t.exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return err
	}

	go t.processDeliveries(s, deliveries)
	return nil
}

// processDeliveries runs the handler for each delivery and acknowledges it afterwards.
func (t *AMQP) processDeliveries(s *amqpSubscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			topic := s.index.topic(d.RoutingKey)
			t.obs.received(topic)

			s.mu.Lock()
			s.handler(s.ctx, Message{Topic: topic, Payload: d.Body})
			s.mu.Unlock()

			if err := d.Ack(false); err != nil {
				t.logger.Error("failed to acknowledge message", "error", err, "topic", topic)
			}
		}
	}
}

// Subscribe implements Transport.
func (t *AMQP) Subscribe(ctx context.Context, topics []string, h Handler) error {
	if t.state.load() == StateClosed {
		return ErrClosed
	}

	s := &amqpSubscription{ctx: ctx, topics: topics, handler: h, index: newTopicIndex(topics)}

	t.m.Lock()
	t.subs = append(t.subs, s)
	ch := t.channel
	t.m.Unlock()

	if t.state.load() != StateReady || ch == nil {
		// Registered; init starts the consumer once the channel is up.
		return nil
	}

	if err := t.consume(ch, s); err != nil {
		return fmt.Errorf("amqp subscribe %v: %w", topics, err)
	}
	t.logger.Info("subscribed", "topics", topics)
	return nil
}

// Publish sends payload to the exchange and waits for the broker confirmation.
// It does not retry.
func (t *AMQP) Publish(ctx context.Context, topic string, payload []byte) error {
	switch t.state.load() {
	case StateClosed:
		return ErrClosed
	case StateConnecting:
		t.obs.failure(topic, "not_connected")
		return ErrNotConnected
	}

	if t.metrics != nil {
		timer := prometheus.NewTimer(t.metrics.PublishDuration.WithLabelValues(string(KindAMQP)))
		defer timer.ObserveDuration()
	}

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	t.m.Lock()
	ch, confirms := t.channel, t.notifyConfirm
	t.m.Unlock()

	err := ch.PublishWithContext(
		ctx,
		t.exchange,      // Exchange
		ToDotted(topic), // Routing key
		false,           // Mandatory
		false,           // Immediate
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Timestamp:   time.Now().UTC(),
			Body:        payload,
		},
	)
	if err != nil {
		t.obs.failure(topic, "publish_error")
		return fmt.Errorf("amqp publish %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		t.obs.failure(topic, "context_canceled")
		return ctx.Err()
	case confirm, ok := <-confirms:
		if !ok || !confirm.Ack {
			t.obs.failure(topic, "nack")
			return fmt.Errorf("amqp publish %s: %w", topic, errNotAcknowledged)
		}
	}

	t.obs.success(topic)
	t.logger.Debug("publish confirmed", "topic", topic)
	return nil
}

// State implements Transport.
func (t *AMQP) State() State {
	return t.state.load()
}

// Close will cleanly shut down the channel and connection. Subsequent calls are no-ops.
func (t *AMQP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.state.set(StateClosed)
		close(t.done)

		t.m.Lock()
		defer t.m.Unlock()

		if t.channel != nil {
			if cerr := t.channel.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = cerr
			}
		}
		if t.connection != nil {
			if cerr := t.connection.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = errors.Join(err, cerr)
			}
		}
		t.logger.Info("disconnected")
	})
	return err
}
