package types

// ConnectionState is the lifecycle state of a client connection.
type ConnectionState string

// Connection states.
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string { return string(s) }
