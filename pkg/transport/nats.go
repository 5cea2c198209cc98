package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

const (
	natsReconnectWait  = 2 * time.Second
	natsFlushTimeout   = 5 * time.Second
	natsPendingBacklog = 1024
)

// NATS is a Transport over core NATS subjects. The client library reconnects and
// replays subscriptions on its own.
type NATS struct {
	conn    *nats.Conn
	logger  *slog.Logger
	metrics *metrics.TransportMetrics
	obs     publishObserver
	state   stateBox
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	mu      sync.Mutex
	done    chan struct{}
	url     string
	name    string
	closed  sync.Once
}

// NewNATS builds a NATS transport.
func NewNATS(cfg *Config) (*NATS, error) {
	if cfg == nil {
		return nil, errors.New("transport config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	url := cfg.URL
	if url == "" {
		url = DefaultNATSURL
	}

	t := &NATS{
		logger:  cfg.Logger.With("transport", string(KindNATS)),
		metrics: cfg.Metrics,
		obs:     publishObserver{metrics: cfg.Metrics, kind: KindNATS},
		done:    make(chan struct{}),
		url:     url,
		name:    cfg.ClientID,
	}
	t.state.metrics = cfg.Metrics
	t.state.kind = KindNATS
	return t, nil
}

func (t *NATS) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.Timeout(natsFlushTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.state.set(StateConnecting)
			t.logger.Error("NATS connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.obs.reconnect()
			t.state.set(StateReady)
			t.logger.Info("reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.logger.Info("connection closed")
		}),
	}
	if t.name != "" {
		opts = append(opts, nats.Name(t.name))
	}
	return opts
}

// Connect implements Transport.
func (t *NATS) Connect(ctx context.Context) error {
	if t.state.load() == StateClosed {
		return ErrClosed
	}

	t.logger.Info("attempting to connect", "url", t.url)

	type dialResult struct {
		conn *nats.Conn
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		conn, err := nats.Connect(t.url, t.options()...)
		dialed <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-dialed:
		if res.err != nil {
			return fmt.Errorf("nats connect: %w", res.err)
		}

		t.mu.Lock()
		if t.state.load() == StateClosed {
			t.mu.Unlock()
			res.conn.Close()
			return ErrClosed
		}
		t.conn = res.conn
		t.mu.Unlock()
	case <-ctx.Done():
		// Close a connection that completes after the caller gave up.
		go func() {
			if res := <-dialed; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("nats connect: %w", ctx.Err())
	}

	t.state.set(StateReady)
	t.logger.Info("connected")
	return nil
}

// Subscribe implements Transport. All topics share one channel and one delivery goroutine.
func (t *NATS) Subscribe(ctx context.Context, topics []string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.load() == StateClosed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	msgs := make(chan *nats.Msg, natsPendingBacklog)
	index := newTopicIndex(topics)
	for _, topic := range topics {
		sub, err := t.conn.ChanSubscribe(ToDotted(topic), msgs)
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", topic, err)
		}
		t.subs = append(t.subs, sub)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case m := <-msgs:
				topic := index.topic(m.Subject)
				t.obs.received(topic)
				h(ctx, Message{Topic: topic, Payload: m.Data})
			}
		}
	}()

	t.logger.Info("subscribed", "topics", topics)
	return nil
}

// Publish implements Transport. It flushes so that a nil error means the server received the message.
func (t *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	switch t.state.load() {
	case StateClosed:
		return ErrClosed
	case StateConnecting:
		t.obs.failure(topic, "not_connected")
		return ErrNotConnected
	}

	if t.metrics != nil {
		timer := prometheus.NewTimer(t.metrics.PublishDuration.WithLabelValues(string(KindNATS)))
		defer timer.ObserveDuration()
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if err := conn.Publish(ToDotted(topic), payload); err != nil {
		t.obs.failure(topic, "publish_error")
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, natsFlushTimeout)
	defer cancel()
	if err := conn.FlushWithContext(flushCtx); err != nil {
		t.obs.failure(topic, "flush_error")
		return fmt.Errorf("nats flush %s: %w", topic, err)
	}

	t.obs.success(topic)
	return nil
}

// State implements Transport.
func (t *NATS) State() State {
	return t.state.load()
}

// Close unsubscribes, stops the delivery goroutines and closes the connection.
func (t *NATS) Close() error {
	var err error
	t.closed.Do(func() {
		t.state.set(StateClosed)
		close(t.done)

		t.mu.Lock()
		for _, sub := range t.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
				err = errors.Join(err, uerr)
			}
		}
		conn := t.conn
		t.mu.Unlock()

		t.wg.Wait()
		if conn != nil {
			conn.Close()
		}
		t.logger.Info("disconnected")
	})
	return err
}
