package surface

import "github.com/surfaceui/surface/session"

// ConnectionEventType is the kind of a ConnectionEvent.
type ConnectionEventType int

const (
	// Connect reports a newly onboarded event-stream connection.
	Connect ConnectionEventType = iota
	// Disconnect reports a connection dropped after a failed send.
	Disconnect
)

func (t ConnectionEventType) String() string {
	switch t {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ConnectionEvent reports a connection or disconnection on the public
// connection-events stream.
type ConnectionEvent struct {
	// Type is Connect or Disconnect.
	Type ConnectionEventType
	// Session identifies the browser owning the connection.
	Session session.Key
	// Connection identifies the tab.
	Connection ConnectionKey
	// Path is the request path of the event-stream connection.
	Path string
	// Sender is the connection's outbound frame channel. Set on Connect
	// events only; it lets the host push frames to a single tab.
	Sender chan<- []byte
}
