package core

import "errors"

// Fatal to the current session.
var (
	ErrSignalingUnavailable        = errors.New("signaling unavailable")
	ErrCapabilityNegotiationFailed = errors.New("capability negotiation failed")
	ErrTransportConnectFailed      = errors.New("transport connect failed")
)

// Recoverable: the affected media is skipped and the session continues.
var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrConsumeFailed     = errors.New("consume failed")
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSessionClosed   = errors.New("session closed")
	ErrJoinAborted     = errors.New("join aborted by leave")
	ErrNotJoined       = errors.New("not joined")
	ErrAlreadyLoaded   = errors.New("capabilities already loaded")
)

// IsFatal reports whether err must end the room session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSignalingUnavailable) ||
		errors.Is(err, ErrCapabilityNegotiationFailed) ||
		errors.Is(err, ErrTransportConnectFailed)
}
