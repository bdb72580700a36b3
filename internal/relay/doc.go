// Package relay is a small reference relay and room service for the
// consultation chat.
//
// # STOMP Endpoint
//
// Server speaks STOMP 1.2 over WebSocket (subprotocol v12.stomp):
//
//   - CONNECT authenticates with "Authorization: Bearer <jwt>", a passcode
//     header, or the upgrade request's Authorization header
//   - SUBSCRIBE accepts /topic/rooms/{id}; customers only their own rooms
//   - SEND to /app/chat.sendMessage stores the message and publishes it
//     to the room topic with its relay id and createdAt
//   - DISCONNECT answers the receipt header, if any
//
// A SEND that repeats a (room, sender, clientMsgId) triple is answered by
// re-publishing the stored original.
//
// # Fan-out
//
// A single relay uses the in-memory Broadcaster. Replicas share topics
// through RedisFanout.
//
// # Room API
//
// NewRouter serves the REST endpoints used by roomapi.Client:
//
//	GET    /api/rooms?status=WAITING
//	POST   /api/rooms
//	GET    /api/rooms/{id}
//	DELETE /api/rooms/{id}
//	GET    /api/rooms/{id}/messages?limit=&cursor=
//	PUT    /api/rooms/{id}/status
//	PUT    /api/rooms/{id}/agent
package relay
