package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// Kind classifies a store failure.
type Kind string

// Failure kinds.
const (
	KindUnavailable Kind = "unavailable"
	KindConflict    Kind = "conflict"
	KindWrite       Kind = "write"
	KindQuery       Kind = "query"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Error describes a failed store operation.
type Error struct {
	Err  error
	Op   string
	Kind Kind
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a store *Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}

// wrap classifies err for op. fallback is used when no more specific kind applies.
func wrap(op string, fallback Kind, err error) error {
	if err == nil {
		return nil
	}
	kind := fallback
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey), mongo.IsDuplicateKeyError(err):
		kind = KindConflict
	case errors.Is(err, ErrClosed),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		kind = KindUnavailable
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
