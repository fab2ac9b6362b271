package broker

import "time"

// EventKind names a connection lifecycle or message event
type EventKind string

const (
	EventConnect          EventKind = "connect"
	EventDisconnect       EventKind = "disconnect"
	EventOffline          EventKind = "offline"
	EventReconnectAttempt EventKind = "reconnect_attempt"
	EventMessage          EventKind = "message"
	EventError            EventKind = "error"
)

// Event is delivered in arrival order on Connection.Events.
// Topic and Payload are set for EventMessage only.
type Event struct {
	Kind    EventKind
	Broker  string
	Topic   string
	Payload []byte
	Err     error
	At      time.Time
}
