// Package wire defines the JSON payloads and destinations exchanged with the
// consultation relay.
//
// # Destinations
//
// Each room has one topic, /topic/rooms/{roomId}. Clients publish to the
// application destination /app/chat.sendMessage; the relay assigns the
// server id and creation time and fans the stored message out to the room
// topic, including back to the sender (the echo).
//
// # System messages
//
// Inbound messages carry an optional "system" flag. When the flag is absent
// Classify falls back to a fixed set of phrases used by older relays. The
// fallback can be disabled with a Classifier that has Strict set.
package wire
