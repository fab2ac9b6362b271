package mqtmodels

import "time"

// ConnectionState is the lifecycle state of one broker connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateOffline      ConnectionState = "offline"
)

// ConnectionStatus is an immutable health snapshot of a broker connection.
type ConnectionStatus struct {
	Name              string          `json:"name"`
	Broker            string          `json:"broker"`
	State             ConnectionState `json:"state"`
	Connected         bool            `json:"connected"`
	LastConnectedAt   *time.Time      `json:"last_connected_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
}

// NodeIdentity describes the gateway itself.
type NodeIdentity struct {
	NodeID   string `json:"node_id"`
	Location string `json:"location"`
}
