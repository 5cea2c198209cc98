package decoder

import (
	"fmt"
	"strings"
)

// Kind classifies why a message was rejected.
type Kind string

// Rejection kinds.
const (
	KindMalformedPayload     Kind = "malformed_payload"
	KindMissingRequiredField Kind = "missing_required_field"
	KindInvalidField         Kind = "invalid_field"
	KindUnrecognizedTopic    Kind = "unrecognized_topic"
)

// Sentinels for errors.Is. A decode *Error matches the sentinel of the same Kind.
var (
	ErrMalformedPayload     = &Error{Kind: KindMalformedPayload}
	ErrMissingRequiredField = &Error{Kind: KindMissingRequiredField}
	ErrInvalidField         = &Error{Kind: KindInvalidField}
	ErrUnrecognizedTopic    = &Error{Kind: KindUnrecognizedTopic}
)

// Error is returned for every rejected message.
type Error struct {
	Err   error
	Kind  Kind
	Topic string
	Field string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Topic != "" {
		fmt.Fprintf(&b, "decode %s: ", e.Topic)
	}
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	if e.Field != "" {
		fmt.Fprintf(&b, " %q", e.Field)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
