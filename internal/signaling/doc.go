// Package signaling is the WebSocket transport for the signaling relay.
//
// Each accepted connection gets a UUID, a read-only attribute map built from
// the handshake query string, and a bounded outbound queue drained by a
// single writer goroutine. Inbound text frames are passed to the dispatcher;
// connection open/close events are passed to the lifecycle notifier.
package signaling
