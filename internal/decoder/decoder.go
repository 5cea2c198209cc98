// Package decoder turns raw pub/sub payloads into readings and events, rejecting anything malformed.
//
// Payloads are JSON objects or CBOR maps. Field types are checked against embedded JSON schemas.
// Unknown fields are ignored and there are no range checks.
package decoder

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/xeipuuv/gojsonschema"

	"procodus.dev/sensor-monitor/internal/store"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Default inbound topics.
const (
	DefaultDataTopic   = "sensors/data"
	DefaultEventsTopic = "sensors/events"
)

// Topics names the inbound topics the decoder accepts.
type Topics struct {
	Data   string
	Events string
}

// DefaultTopics returns the default data and event topics.
func DefaultTopics() Topics {
	return Topics{Data: DefaultDataTopic, Events: DefaultEventsTopic}
}

// Config holds the decoder configuration.
type Config struct {
	Topics Topics
}

// Message is a decoded payload. Exactly one of Reading and Event is set.
type Message struct {
	Reading *store.Reading
	Event   *store.Event
}

// NodeID returns the reporting node.
func (m *Message) NodeID() string {
	switch {
	case m.Reading != nil:
		return m.Reading.NodeID
	case m.Event != nil:
		return m.Event.NodeID
	default:
		return ""
	}
}

// Decoder validates and converts payloads. It is safe for concurrent use.
type Decoder struct {
	reading *gojsonschema.Schema
	event   *gojsonschema.Schema
	cbor    cbor.DecMode
	topics  Topics
}

// New compiles the payload schemas for the configured topics.
func New(cfg *Config) (*Decoder, error) {
	if cfg == nil {
		return nil, errors.New("decoder config cannot be nil")
	}

	if cfg.Topics.Data == "" || cfg.Topics.Events == "" {
		return nil, errors.New("data and events topics cannot be empty")
	}

	if cfg.Topics.Data == cfg.Topics.Events {
		return nil, fmt.Errorf("data and events topics must differ, both are %q", cfg.Topics.Data)
	}

	reading, err := loadSchema("schemas/reading.json")
	if err != nil {
		return nil, err
	}

	event, err := loadSchema("schemas/event.json")
	if err != nil {
		return nil, err
	}

	dm, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}

	return &Decoder{
		reading: reading,
		event:   event,
		cbor:    dm,
		topics:  cfg.Topics,
	}, nil
}

func loadSchema(name string) (*gojsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Topics returns the accepted inbound topics.
func (d *Decoder) Topics() Topics {
	return d.topics
}

// Decode converts a payload received on topic.
func (d *Decoder) Decode(topic string, payload []byte) (*Message, error) {
	var schema *gojsonschema.Schema
	switch topic {
	case d.topics.Data:
		schema = d.reading
	case d.topics.Events:
		schema = d.event
	default:
		return nil, &Error{Kind: KindUnrecognizedTopic, Topic: topic}
	}

	doc, err := d.parse(payload)
	if err != nil {
		return nil, &Error{Kind: KindMalformedPayload, Topic: topic, Err: err}
	}

	if verr := validate(schema, doc); verr != nil {
		verr.Topic = topic
		return nil, verr
	}

	if topic == d.topics.Data {
		r, rerr := toReading(doc)
		if rerr != nil {
			rerr.Topic = topic
			return nil, rerr
		}
		return &Message{Reading: r}, nil
	}

	e, ferr := toEvent(doc)
	if ferr != nil {
		ferr.Topic = topic
		return nil, ferr
	}
	return &Message{Event: e}, nil
}

// parse reads payload as a CBOR map or a JSON object.
func (d *Decoder) parse(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}

	var doc any
	if isCBORMap(payload[0]) {
		if err := d.cbor.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("cbor: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return nil, errors.New("json: trailing data after document")
		}
	}

	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document is %T, not an object", doc)
	}
	return m, nil
}

// isCBORMap reports whether b opens a CBOR map (major type 5).
func isCBORMap(b byte) bool {
	return b >= 0xa0 && b <= 0xbf
}

// validate checks doc against schema and maps the first violation to a decode error.
// Missing required fields take precedence over type errors.
func validate(schema *gojsonschema.Schema, doc map[string]any) *Error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return &Error{Kind: KindMalformedPayload, Err: err}
	}
	if result.Valid() {
		return nil
	}

	var first *Error
	for _, re := range result.Errors() {
		e := classify(re, doc)
		if e.Kind == KindMissingRequiredField {
			return e
		}
		if first == nil {
			first = e
		}
	}
	return first
}

func classify(re gojsonschema.ResultError, doc map[string]any) *Error {
	field := re.Field()
	reason := errors.New(re.Description())

	switch re.Type() {
	case "required":
		if p, ok := re.Details()["property"].(string); ok {
			field = p
		}
		return &Error{Kind: KindMissingRequiredField, Field: field, Err: reason}
	case "string_gte":
		return &Error{Kind: KindMissingRequiredField, Field: field, Err: reason}
	case "invalid_type":
		if v, present := doc[field]; present && v == nil && isRequired(field) {
			return &Error{Kind: KindMissingRequiredField, Field: field, Err: reason}
		}
	}
	return &Error{Kind: KindInvalidField, Field: field, Err: reason}
}

func isRequired(field string) bool {
	return field == "node_id" || field == "event"
}

func toReading(doc map[string]any) (*store.Reading, *Error) {
	nodeID, err := requiredString(doc, "node_id")
	if err != nil {
		return nil, err
	}
	r := &store.Reading{NodeID: nodeID}

	floats := []struct {
		name string
		dst  **float64
	}{
		{"temperature", &r.Temperature},
		{"humidity", &r.Humidity},
		{"pressure", &r.Pressure},
		{"altitude", &r.Altitude},
	}
	for _, f := range floats {
		v, err := optionalFloat(doc, f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	if r.AirQuality, err = optionalInt(doc, "air_quality"); err != nil {
		return nil, err
	}
	if r.DeviceTimestamp, err = optionalInt(doc, "timestamp"); err != nil {
		return nil, err
	}
	return r, nil
}

func toEvent(doc map[string]any) (*store.Event, *Error) {
	nodeID, err := requiredString(doc, "node_id")
	if err != nil {
		return nil, err
	}
	eventType, err := requiredString(doc, "event")
	if err != nil {
		return nil, err
	}
	ts, err := optionalInt(doc, "timestamp")
	if err != nil {
		return nil, err
	}
	return &store.Event{
		NodeID:          nodeID,
		EventType:       eventType,
		DeviceTimestamp: ts,
	}, nil
}

// requiredString returns a text field. The schema sees CBOR byte strings and time tags as JSON strings,
// so the Go type is checked again here.
func requiredString(doc map[string]any, name string) (string, *Error) {
	s, ok := doc[name].(string)
	if !ok {
		return "", &Error{Kind: KindInvalidField, Field: name, Err: fmt.Errorf("%T is not a string", doc[name])}
	}
	return s, nil
}

func optionalFloat(doc map[string]any, name string) (*float64, *Error) {
	v, ok := doc[name]
	if !ok || v == nil {
		return nil, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return nil, &Error{Kind: KindInvalidField, Field: name, Err: err}
	}
	return &f, nil
}

func optionalInt(doc map[string]any, name string) (*int64, *Error) {
	v, ok := doc[name]
	if !ok || v == nil {
		return nil, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return nil, &Error{Kind: KindInvalidField, Field: name, Err: err}
	}
	return &i, nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return integral(f)
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		return integral(n)
	case float32:
		return integral(float64(n))
	default:
		return 0, fmt.Errorf("%T is not an integer", v)
	}
}

func integral(f float64) (int64, error) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int64(f), nil
}
