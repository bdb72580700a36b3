// Package store persists consultation rooms and their messages for the
// reference relay using SQLite.
//
// # Data Models
//
//   - Room: one consultation, with its customer, assigned agent, and status
//   - Message: one chat message, with its relay-assigned id and createdAt
//
// # Assignment
//
// AssignAgent is a single conditional UPDATE. It succeeds only while the
// room is unassigned or already held by the same agent, so concurrent
// claims from different relay replicas resolve to exactly one winner.
//
// # Pagination
//
// ListMessages returns messages newest first. NextCursor is opaque and
// fetches the next older page.
package store
