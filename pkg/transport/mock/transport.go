// Package mock provides a recording in-memory transport.Transport for tests.
package mock

import (
	"context"
	"sync"

	"procodus.dev/sensor-monitor/pkg/transport"
)

// Transport is a mock implementation of transport.Transport.
// It tracks method calls and allows configuring return values and behavior.
// Deliver feeds messages to subscribed handlers synchronously.
type Transport struct {
	mu sync.Mutex

	// ConnectError is returned by Connect. On success the state becomes ready.
	ConnectError error
	// ConnectCalls tracks the number of times Connect was called.
	ConnectCalls int

	// SubscribeError is returned by Subscribe.
	SubscribeError error
	// Subscriptions records every successful Subscribe call.
	Subscriptions []Subscription

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, topic string, payload []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish with their arguments.
	PublishCalls []PublishCall

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int

	state transport.State
}

// Subscription records the arguments to a Subscribe call.
type Subscription struct {
	Ctx     context.Context
	Handler transport.Handler
	Topics  []string
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Ctx     context.Context
	Topic   string
	Payload []byte
}

// New creates a Transport in the connecting state with default behavior (no errors).
func New() *Transport {
	return &Transport{
		Subscriptions: make([]Subscription, 0),
		PublishCalls:  make([]PublishCall, 0),
		state:         transport.StateConnecting,
	}
}

// NewReady creates a Transport that is already connected.
func NewReady() *Transport {
	t := New()
	t.state = transport.StateReady
	return t
}

// Connect implements transport.Transport.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ConnectCalls++
	if t.state == transport.StateClosed {
		return transport.ErrClosed
	}
	if t.ConnectError != nil {
		return t.ConnectError
	}
	t.state = transport.StateReady
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.SubscribeError != nil {
		return t.SubscribeError
	}
	t.Subscriptions = append(t.Subscriptions, Subscription{Ctx: ctx, Topics: topics, Handler: h})
	return nil
}

// Publish implements transport.Transport. The call is recorded even when it fails.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	t.PublishCalls = append(t.PublishCalls, PublishCall{Ctx: ctx, Topic: topic, Payload: payload})
	fn, err, state := t.PublishFunc, t.PublishError, t.state
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, topic, payload)
	}
	if err != nil {
		return err
	}
	switch state {
	case transport.StateClosed:
		return transport.ErrClosed
	case transport.StateConnecting:
		return transport.ErrNotConnected
	}
	return nil
}

// State implements transport.Transport.
func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState forces the lifecycle state, e.g. to simulate a lost connection.
func (t *Transport) SetState(s transport.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.CloseCalls++
	t.state = transport.StateClosed
	return t.CloseError
}

// Deliver hands payload to every handler subscribed to topic and returns how many received it.
func (t *Transport) Deliver(topic string, payload []byte) int {
	t.mu.Lock()
	subs := append([]Subscription(nil), t.Subscriptions...)
	t.mu.Unlock()

	n := 0
	for _, s := range subs {
		for _, st := range s.Topics {
			if st == topic {
				s.Handler(s.Ctx, transport.Message{Topic: topic, Payload: payload})
				n++
				break
			}
		}
	}
	return n
}

// Published returns a copy of the recorded Publish calls.
func (t *Transport) Published() []PublishCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PublishCall(nil), t.PublishCalls...)
}

// Reset clears all tracked calls.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ConnectCalls = 0
	t.Subscriptions = make([]Subscription, 0)
	t.PublishCalls = make([]PublishCall, 0)
	t.CloseCalls = 0
}

// Ensure Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)
