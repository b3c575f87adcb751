package relay

import "errors"

// Sentinel errors for the operation failure taxonomy. Kinds that carry an
// ERROR reply (InvalidPort, UnknownBoard, IllegalOnConnected,
// UnsupportedUnconnected, SocketOpenFailure) are session-local: the caller
// replies with an ERROR frame and the session stays open. Kinds that close
// the session (MalformedRequest, WebSocketSendFailure, SendBufferFull) are
// turned into the matching WebSocket close code by the server.
var (
	ErrInvalidPort  = errors.New("relay: invalid port")
	ErrUnknownBoard = errors.New("relay: unrecognised ethernet chip")
	// ErrIllegalOnConnected is MESSAGE_TO attempted on a Connected channel.
	ErrIllegalOnConnected = errors.New("relay: operation not permitted on a connected channel")
	// ErrIllegalOnUnconnected is MESSAGE attempted on an Unconnected channel —
	// the mirror image of ErrIllegalOnConnected.
	ErrIllegalOnUnconnected   = errors.New("relay: operation not permitted on an unconnected channel")
	ErrUnsupportedUnconnected = errors.New("relay: unconnected sockets are not configured")
	ErrSocketOpenFailure      = errors.New("relay: failed to open udp socket")

	// ErrSessionClosed names the session-closed condition. No function in
	// this package returns it: a Channel opened after its Session closed is
	// closed again by addChannel without reporting an error.
	ErrSessionClosed = errors.New("relay: session closed")

	// ErrTooManySessions is returned by the SessionManager when the configured
	// concurrent-session cap is already reached.
	ErrTooManySessions = errors.New("relay: too many sessions")

	// ErrSendBufferFull is returned by sender.sendFrame when enqueuing a frame
	// would exceed cfg.SendBufferBytes. A frame is either fully accepted or the
	// session is terminated: there is no partial-send or retry path.
	ErrSendBufferFull = errors.New("relay: send buffer full")
)

// wireErrorMessage maps a sentinel error to the UTF-8 text carried in an
// ERROR reply frame. Falls back to err.Error() for anything unmapped.
func wireErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPort):
		return "bad port number"
	case errors.Is(err, ErrUnknownBoard):
		return "unrecognised ethernet chip"
	case errors.Is(err, ErrIllegalOnConnected):
		return "operation not permitted on a connected channel"
	case errors.Is(err, ErrIllegalOnUnconnected):
		return "operation not permitted on an unconnected channel"
	case errors.Is(err, ErrUnsupportedUnconnected):
		return "unconnected sockets are not configured"
	case errors.Is(err, ErrSocketOpenFailure):
		return "failed to open udp socket"
	default:
		return err.Error()
	}
}
