// Package session holds the client-side state of consultation rooms.
//
// # Messages
//
// Every room keeps an ordered timeline of Messages sorted by
// (SentAt, Seq). Seq is a per-room insertion counter that keeps display
// order stable when timestamps coincide.
//
// A message's identity lives in its State:
//
//   - Pending{LocalID}: sent locally, waiting for the relay echo
//   - Confirmed{ServerID}: known to the relay
//   - Failed{LocalID}: the echo did not arrive in time; retryable
//
// Local ids are negative and come from a counter owned by the Store; they
// are only meaningful within that Store.
//
// # Rooms
//
// Room carries the assignment and status of a consultation. Assignment is
// provisional until the room service confirms it.
package session
