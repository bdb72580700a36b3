// Package transport owns the single long-lived relay connection shared by
// every chat room of a client.
//
// # Conn
//
// Conn wraps a Link produced by a Dialer. It offers fire-and-forget
// Publish, topic Subscribe with a per-subscription Handler, and Disconnect.
// Deliveries are dispatched one at a time from a single goroutine, so
// handlers observe arrival order.
//
// # Reconnection
//
// When a link drops unexpectedly every Handle turns Stale and Conn redials
// at a fixed interval, up to MaxAttempts times. After each successful dial
// the Replayer (normally the room subscription registry) re-subscribes the
// registered rooms; only then does Conn report StateReady. When attempts
// run out Conn emits a *TransportError and stays disconnected until the
// next Connect. Nothing here terminates the process.
//
// # Links
//
// StompDialer speaks STOMP 1.2 over a WebSocket, which is what the
// consultation relay exposes.
package transport
