package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-lite/serialization"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrTimeout is returned when no reply arrives within the call's TTL
	ErrTimeout = errors.New("timeout")

	// ErrClientClosed is returned for operations issued after shutdown and for
	// calls still pending when shutdown happens
	ErrClientClosed = errors.New("messaging: client closed")

	// ErrPackQueueClosed is returned when pushing to a drained pack queue
	ErrPackQueueClosed = errors.New("messaging: pack queue closed")

	// ErrEmptyDestination is returned when a destination name is missing
	ErrEmptyDestination = errors.New("messaging: destination cannot be empty")

	// ErrNilHandler is returned when a nil handler is registered
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrMissingData is returned when publishing a nil value
	ErrMissingData = errors.New("messaging: data cannot be nil")
)

// DeserializationError reports a payload that could not be decoded
type DeserializationError struct {
	Destination string
	Err         error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("messaging: cannot decode message from %s: %v", e.Destination, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// WorkerError lets a handler choose the payload sent back to the caller.
// Any other error is sent as its message string.
type WorkerError struct {
	Payload interface{}
}

// NewWorkerError creates a WorkerError carrying payload
func NewWorkerError(payload interface{}) *WorkerError {
	return &WorkerError{Payload: payload}
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %v", e.Payload)
}

// errorPayload returns what a failed handler sends in the reply result
func errorPayload(err error) interface{} {
	var werr *WorkerError
	if errors.As(err, &werr) {
		return werr.Payload
	}
	return err.Error()
}

// RemoteError is the caller-side view of a failed RPC: the worker replied with
// success=false and Payload holds its result.
type RemoteError struct {
	Destination   string
	CorrelationID string
	Payload       msgpack.RawMessage
}

func (e *RemoteError) Error() string {
	var v interface{}
	if err := e.Decode(&v); err != nil {
		return fmt.Sprintf("messaging: call to %s failed", e.Destination)
	}
	return fmt.Sprintf("messaging: call to %s failed: %v", e.Destination, v)
}

// Decode unmarshals the error payload into v
func (e *RemoteError) Decode(v interface{}) error {
	return serialization.Unmarshal(e.Payload, v)
}
