package signaling

import "errors"

var (
	// ErrSendQueueFull is returned when a connection's outbound queue has no
	// room. The frame is dropped; the connection stays open.
	ErrSendQueueFull = errors.New("signaling: send queue full")
	ErrConnClosed    = errors.New("signaling: connection closed")
)
