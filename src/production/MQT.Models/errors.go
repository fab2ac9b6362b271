package mqtmodels

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectTimeout    = errors.New("connect handshake timed out")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrInvalidReading    = errors.New("invalid reading")
	ErrSubscribeRejected = errors.New("subscription rejected by broker")
)

// ConnectError is a failed broker handshake. It never terminates the process;
// the owning connection schedules a reconnect.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscriptionError is a subscribe request the transport refused.
type SubscriptionError struct {
	Broker string
	Filter string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s on %s: %v", e.Filter, e.Broker, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// PublishError means the message is lost for that hop.
type PublishError struct {
	Broker string
	Topic  string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s on %s: %v", e.Topic, e.Broker, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ParseError is a malformed inbound payload.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload on %s: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError is an I/O failure in the reading store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
