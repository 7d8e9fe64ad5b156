// Package lifecycle ties the transport's session events to the
// reconciliation loop.
package lifecycle

import "encoding/json"

// Transport session events.
const (
	EventLogged       = "logged"
	EventLogout       = "logout"
	EventDisconnected = "disconnected"
)

// EventSource delivers named transport events.
type EventSource interface {
	On(event string, handler func(json.RawMessage))
}

// Signals is the reconciliation loop's lifecycle surface.
type Signals interface {
	LoggedIn()
	LoggedOut()
	Disconnected()
}

// Bind routes logged, logout and disconnected events from source to loop.
// It holds no state of its own.
func Bind(source EventSource, loop Signals) {
	source.On(EventLogged, func(json.RawMessage) { loop.LoggedIn() })
	source.On(EventLogout, func(json.RawMessage) { loop.LoggedOut() })
	source.On(EventDisconnected, func(json.RawMessage) { loop.Disconnected() })
}
