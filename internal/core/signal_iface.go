package core

import (
	"context"
	"encoding/json"
)

// EventHandler receives the raw payload of a server-pushed event.
type EventHandler func(data json.RawMessage)

// SignalChannel abstracts the duplex signaling connection.
// Owned by the adapter; the session never closes it.
type SignalChannel interface {
	// Request sends method with payload and decodes the correlated reply into out
	// (out may be nil). A dropped connection rejects it with ErrSignalingUnavailable.
	Request(ctx context.Context, method string, payload, out any) error
	// Notify sends a fire-and-forget message.
	Notify(method string, payload any) error
	// On installs the single handler for event, replacing any previous one.
	On(event string, h EventHandler)
	Off(event string)
}
